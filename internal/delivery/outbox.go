package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/dshills/receiptscout/pkg/types"
)

// DirectorySender writes each receipt into an outbox directory as the
// document plus a JSON sidecar with the extracted fields. A downstream
// transport picks the pairs up from there.
type DirectorySender struct {
	dir string
}

// NewDirectorySender creates the outbox directory if needed
func NewDirectorySender(dir string) (*DirectorySender, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create outbox: %w", err)
	}
	return &DirectorySender{dir: dir}, nil
}

// Dir returns the outbox directory
func (s *DirectorySender) Dir() string {
	return s.dir
}

// Send copies the artifact and writes the sidecar. The sidecar is written
// last so a reader never sees it without its document.
func (s *DirectorySender) Send(ctx context.Context, rec types.ReceiptRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.Artifact == "" {
		return fmt.Errorf("%s: no artifact", rec.DocumentRef)
	}

	name := uuid.NewString()
	docPath := filepath.Join(s.dir, name+filepath.Ext(rec.Artifact))
	if err := copyFile(rec.Artifact, docPath); err != nil {
		return fmt.Errorf("copy artifact: %w", err)
	}

	meta, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		_ = os.Remove(docPath)
		return fmt.Errorf("encode sidecar: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, name+".json"), meta, 0o640); err != nil {
		_ = os.Remove(docPath)
		return fmt.Errorf("write sidecar: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}
