package artifact

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// LocalStore keeps documents in a directory tree. References are paths
// relative to the root.
type LocalStore struct {
	root string
	now  func() time.Time
}

// NewLocal creates the root directory if needed.
func NewLocal(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, eris.Wrapf(err, "artifact: create %s", root)
	}
	return &LocalStore{root: root, now: time.Now}, nil
}

func (l *LocalStore) path(ref string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", eris.Errorf("artifact: reference %q escapes the store", ref)
	}
	return filepath.Join(l.root, clean), nil
}

// Put writes to a temp file and renames it into place so readers never see
// a partial document.
func (l *LocalStore) Put(_ context.Context, key, _ string, r io.Reader) (string, error) {
	dst, err := l.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", eris.Wrap(err, "artifact: create directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".part-*")
	if err != nil {
		return "", eris.Wrap(err, "artifact: create temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close() //nolint:errcheck
		return "", eris.Wrap(err, "artifact: write")
	}
	if err := tmp.Close(); err != nil {
		return "", eris.Wrap(err, "artifact: close")
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", eris.Wrap(err, "artifact: rename")
	}
	return filepath.ToSlash(key), nil
}

func (l *LocalStore) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	p, err := l.path(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, eris.Wrapf(err, "artifact: open %s", ref)
	}
	return f, nil
}

func (l *LocalStore) Delete(_ context.Context, ref string) error {
	p, err := l.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return eris.Wrapf(err, "artifact: delete %s", ref)
	}
	return nil
}

// Sweep removes regular files whose modification time is older than maxAge.
func (l *LocalStore) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := l.now().Add(-maxAge)
	removed := 0
	err := filepath.WalkDir(l.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(p); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, eris.Wrap(err, "artifact: sweep")
}
