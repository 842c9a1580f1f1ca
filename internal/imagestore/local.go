package imagestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// LocalRoute is where the HTTP server exposes a Local store.
const LocalRoute = "/images/"

// Local keeps images in a directory on disk.
type Local struct {
	dir     string
	baseURL string
}

// NewLocal creates dir if needed. publicBaseURL is the server's external
// address; image URLs become publicBaseURL + LocalRoute + key.
func NewLocal(dir, publicBaseURL string) (*Local, error) {
	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("in internal/imagestore/local.go/NewLocal(): error while `os.MkdirAll()` calling: %w", err)
	}

	return &Local{
		dir:     dir,
		baseURL: strings.TrimRight(publicBaseURL, "/") + strings.TrimRight(LocalRoute, "/"),
	}, nil
}

func (l *Local) pathFor(key string) (string, error) {
	cleaned := path.Clean("/" + key)[1:]
	if cleaned == "" || cleaned != key {
		return "", fmt.Errorf("invalid image key %q", key)
	}

	return filepath.Join(l.dir, filepath.FromSlash(cleaned)), nil
}

// Upload writes data under key and returns its public URL.
func (l *Local) Upload(ctx context.Context, key, contentType string, data []byte) (string, error) {
	filePath, err := l.pathFor(key)
	if err != nil {
		return "", fmt.Errorf("in internal/imagestore/local.go/Upload(): %w", err)
	}

	err = os.MkdirAll(filepath.Dir(filePath), 0o755)
	if err != nil {
		return "", fmt.Errorf("in internal/imagestore/local.go/Upload(): error while `os.MkdirAll()` calling: %w", err)
	}

	err = os.WriteFile(filePath, data, 0o644)
	if err != nil {
		return "", fmt.Errorf("in internal/imagestore/local.go/Upload(): error while `os.WriteFile()` calling: %w", err)
	}

	return l.baseURL + "/" + key, nil
}

// Delete removes keys; missing files are ignored.
func (l *Local) Delete(ctx context.Context, keys ...string) error {
	var errs []error
	for _, key := range keys {
		filePath, err := l.pathFor(key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		err = os.Remove(filePath)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// KeyFromURL returns the key of an URL produced by Upload.
func (l *Local) KeyFromURL(imageURL string) (string, bool) {
	return keyFromURL(l.baseURL, imageURL)
}

// Handler serves the stored files; mount it at LocalRoute.
func (l *Local) Handler() http.Handler {
	return http.StripPrefix(LocalRoute, http.FileServer(http.Dir(l.dir)))
}
