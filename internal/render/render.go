// Package render turns a receipt attachment into a temporary artifact file
// and the text of its first page.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"

	"github.com/dshills/receiptscout/pkg/types"
)

// Rendition is a rendered document
type Rendition struct {
	Artifact string // Temporary file owned by the caller
	Text     string // First-page text, one line per visual row
}

// Renderer writes artifacts into a directory
type Renderer struct {
	dir    string
	logger *zap.Logger
}

// New creates a renderer. An empty dir uses the system temp directory.
func New(dir string, logger *zap.Logger) *Renderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{dir: dir, logger: logger}
}

// Render stores data as an artifact and extracts its first-page text.
// On error no artifact is left behind.
func (r *Renderer) Render(ctx context.Context, name string, data []byte) (Rendition, error) {
	if err := ctx.Err(); err != nil {
		return Rendition{}, err
	}

	text, err := firstPageText(data)
	if err != nil {
		return Rendition{}, fmt.Errorf("%w: %s: %w", types.ErrParse, name, err)
	}

	f, err := os.CreateTemp(r.dir, "receipt-*"+artifactExt(name))
	if err != nil {
		return Rendition{}, fmt.Errorf("create artifact: %w", err)
	}
	path := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		r.Discard(path)
		return Rendition{}, fmt.Errorf("write artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		r.Discard(path)
		return Rendition{}, fmt.Errorf("close artifact: %w", err)
	}

	return Rendition{Artifact: path, Text: text}, nil
}

// Discard removes an artifact, ignoring one that is already gone
func (r *Renderer) Discard(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.logger.Warn("failed to remove artifact", zap.String("path", path), zap.Error(err))
	}
}

func artifactExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" || len(ext) > 5 {
		return ".pdf"
	}
	return ext
}

// firstPageText reads page 1 grouped into rows, top to bottom. The pdf
// reader panics on some malformed streams, so panics become errors.
func firstPageText(data []byte) (text string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("malformed document: %v", p)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	if reader.NumPage() < 1 {
		return "", errors.New("document has no pages")
	}
	page := reader.Page(1)
	if page.V.IsNull() {
		return "", errors.New("first page is empty")
	}

	rows, err := page.GetTextByRow()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, row := range rows {
		for _, t := range row.Content {
			b.WriteString(t.S)
		}
		b.WriteByte('\n')
	}
	if strings.TrimSpace(b.String()) != "" {
		return b.String(), nil
	}

	// Some producers emit no positioned runs
	return page.GetPlainText(nil)
}
