// Package imagestore hosts restaurant images, either in an S3-compatible
// bucket or in a local directory served by the HTTP server.
package imagestore

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/gabriel-vasile/mimetype"

	"github.com/patric-chuzhbe/merneats/internal/models"
)

// MaxImageSize is the largest accepted upload.
const MaxImageSize = 5 << 20

var (
	// ErrImageTooLarge is returned for uploads over MaxImageSize.
	ErrImageTooLarge = errors.New("image is larger than 5MB")

	// ErrUnsupportedImage is returned when the sniffed type is not an allowed image type.
	ErrUnsupportedImage = errors.New("only jpeg, png, webp and gif images are accepted")

	// ErrEmptyImage is returned for a zero-length upload.
	ErrEmptyImage = errors.New("image is empty")
)

var allowedTypes = []string{"image/jpeg", "image/png", "image/webp", "image/gif"}

// ReadImage reads at most MaxImageSize bytes from r and sniffs the content.
func ReadImage(r io.Reader) (models.ImageUpload, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxImageSize+1))
	if err != nil {
		return models.ImageUpload{}, fmt.Errorf("in internal/imagestore/imagestore.go/ReadImage(): error while `io.ReadAll()` calling: %w", err)
	}

	return DetectImage(data)
}

// DetectImage validates data by its content, not by the client-supplied type.
func DetectImage(data []byte) (models.ImageUpload, error) {
	if len(data) == 0 {
		return models.ImageUpload{}, ErrEmptyImage
	}
	if len(data) > MaxImageSize {
		return models.ImageUpload{}, ErrImageTooLarge
	}

	detected := mimetype.Detect(data)
	if !mimetype.EqualsAny(detected.String(), allowedTypes...) {
		return models.ImageUpload{}, ErrUnsupportedImage
	}

	return models.ImageUpload{
		Data:        bytes.Clone(data),
		ContentType: detected.String(),
		Extension:   detected.Extension(),
	}, nil
}
