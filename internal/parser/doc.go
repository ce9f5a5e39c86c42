// Package parser extracts structured fields from payment receipt text.
//
// Receipts are fixed-layout bank documents with two visually symmetric
// blocks (payer and payee) followed by amount, time and reference lines.
// The parser normalizes the first-page text (full-width to half-width,
// stray escapes removed), locates section headers and field labels, and
// resolves every name/account label against the nearest preceding header
// so the two blocks never contaminate each other.
//
// # Basic Usage
//
//	p := parser.New(parser.Config{CacheTTL: 24 * time.Hour})
//
//	fields, err := p.Parse(ctx, "gmail:18c2f:receipt.pdf", func(ctx context.Context) (string, error) {
//	    rendition, err := renderer.Render(ctx, pdfBytes)
//	    if err != nil {
//	        return "", err
//	    }
//	    return rendition.Text, nil
//	})
//
// Fields that are not present in the document hold types.Unknown.
//
// # Caching
//
// Parsed tuples are cached by document identity in an LRU bounded by
// Config.CacheSize. Entries older than Config.CacheTTL are treated as stale
// and re-parsed on the next lookup; Run purges them periodically. The cache
// is never required for correctness.
package parser
