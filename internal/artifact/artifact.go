// Package artifact stores downloaded case documents.
package artifact

import (
	"context"
	"io"
	"path"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/casecrawl/casecrawl/internal/model"
)

// Store persists documents under a key and returns an opaque reference.
type Store interface {
	Put(ctx context.Context, key, contentType string, r io.Reader) (string, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	Delete(ctx context.Context, ref string) error
	// Sweep removes documents older than maxAge and returns how many.
	Sweep(ctx context.Context, maxAge time.Duration) (int, error)
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileName builds "<case id>_<parties>_<citation><ext>". Parties are cut to
// 50 characters and both parts are reduced to filesystem-safe characters.
func FileName(c *model.CaseJob, ext string) string {
	parties := "unknown"
	if p := strings.TrimSpace(c.PartyRaw); p != "" {
		if r := []rune(p); len(r) > 50 {
			p = string(r[:50])
		}
		parties = sanitize(p)
	}

	cite := "unknown"
	if c.CitationNormalized != "" {
		cite = sanitize(strings.NewReplacer("[", "", "]", "").Replace(c.CitationNormalized))
	}
	if ext == "" {
		ext = ".pdf"
	}
	return c.ID + "_" + parties + "_" + cite + ext
}

// Key places a case's document under its batch.
func Key(c *model.CaseJob, doctype model.DocumentType, contentType string) string {
	return path.Join(c.BatchID, FileName(c, Extension(doctype, contentType)))
}

// Extension picks a file extension for a downloaded document.
func Extension(doctype model.DocumentType, contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "pdf") || doctype == model.DocumentPDF && ct == "":
		return ".pdf"
	case strings.Contains(ct, "html"):
		return ".html"
	case strings.Contains(ct, "wordprocessingml"):
		return ".docx"
	case strings.Contains(ct, "msword"):
		return ".doc"
	case strings.HasPrefix(ct, "text/"):
		return ".txt"
	case doctype == model.DocumentPDF:
		return ".pdf"
	default:
		return ".bin"
	}
}

func sanitize(s string) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "_")
	s = unsafeChars.ReplaceAllString(s, "")
	if s == "" {
		return "unknown"
	}
	return s
}

// RetentionJob returns a func suitable for a cron schedule that sweeps s.
func RetentionJob(s Store, maxAge time.Duration) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		n, err := s.Sweep(ctx, maxAge)
		if err != nil {
			zap.L().Error("artifact: retention sweep failed", zap.Error(err))
			return
		}
		zap.L().Info("artifact: retention sweep", zap.Int("removed", n), zap.Duration("max_age", maxAge))
	}
}
