package imagestore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	pngHeader  = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")
	jpegHeader = []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00\x01\x01\x00\x00\x01\x00\x01\x00\x00")
	gifHeader  = []byte("GIF89a\x01\x00\x01\x00\x80\x00\x00")
)

func TestDetectImage(t *testing.T) {
	tests := []struct {
		name        string
		data        []byte
		contentType string
		extension   string
		err         error
	}{
		{name: "png", data: pngHeader, contentType: "image/png", extension: ".png"},
		{name: "jpeg", data: jpegHeader, contentType: "image/jpeg", extension: ".jpg"},
		{name: "gif", data: gifHeader, contentType: "image/gif", extension: ".gif"},
		{name: "text", data: []byte("definitely not an image"), err: ErrUnsupportedImage},
		{name: "pdf", data: []byte("%PDF-1.7\n"), err: ErrUnsupportedImage},
		{name: "empty", data: nil, err: ErrEmptyImage},
		{name: "too large", data: append(bytes.Clone(pngHeader), make([]byte, MaxImageSize)...), err: ErrImageTooLarge},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			image, err := DetectImage(test.data)
			if test.err != nil {
				assert.ErrorIs(t, err, test.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.contentType, image.ContentType)
			assert.Equal(t, test.extension, image.Extension)
			assert.Equal(t, test.data, image.Data)
		})
	}
}

func TestReadImageStopsAtLimit(t *testing.T) {
	reader := io.MultiReader(bytes.NewReader(pngHeader), bytes.NewReader(make([]byte, 2*MaxImageSize)))
	_, err := ReadImage(reader)
	assert.ErrorIs(t, err, ErrImageTooLarge)

	image, err := ReadImage(bytes.NewReader(pngHeader))
	require.NoError(t, err)
	assert.Equal(t, "image/png", image.ContentType)
}

type fakeS3 struct {
	puts      []*s3.PutObjectInput
	deletes   []*s3.DeleteObjectsInput
	putErr    error
	deleteOut *s3.DeleteObjectsOutput
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.puts = append(f.puts, params)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, params *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.deletes = append(f.deletes, params)
	if f.deleteOut != nil {
		return f.deleteOut, nil
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func TestS3Upload(t *testing.T) {
	client := &fakeS3{}
	store := newS3WithClient(client, S3Config{Bucket: "eats", Region: "eu-west-1"})

	imageURL, err := store.Upload(context.Background(), "restaurants/r1.png", "image/png", pngHeader)
	require.NoError(t, err)
	assert.Equal(t, "https://eats.s3.eu-west-1.amazonaws.com/restaurants/r1.png", imageURL)

	require.Len(t, client.puts, 1)
	assert.Equal(t, "eats", aws.ToString(client.puts[0].Bucket))
	assert.Equal(t, "restaurants/r1.png", aws.ToString(client.puts[0].Key))
	assert.Equal(t, "image/png", aws.ToString(client.puts[0].ContentType))

	key, ok := store.KeyFromURL(imageURL)
	assert.True(t, ok)
	assert.Equal(t, "restaurants/r1.png", key)

	_, ok = store.KeyFromURL("https://elsewhere.example.com/restaurants/r1.png")
	assert.False(t, ok)

	client.putErr = errors.New("access denied")
	_, err = store.Upload(context.Background(), "restaurants/r2.png", "image/png", pngHeader)
	assert.Error(t, err)
}

func TestS3BaseURL(t *testing.T) {
	minio := newS3WithClient(&fakeS3{}, S3Config{Bucket: "eats", Endpoint: "http://localhost:9000/"})
	assert.Equal(t, "http://localhost:9000/eats", minio.baseURL)

	cdn := newS3WithClient(&fakeS3{}, S3Config{Bucket: "eats", PublicBaseURL: "https://cdn.example.com/"})
	assert.Equal(t, "https://cdn.example.com", cdn.baseURL)
}

func TestS3DeleteBatches(t *testing.T) {
	client := &fakeS3{}
	store := newS3WithClient(client, S3Config{Bucket: "eats", Region: "eu-west-1"})

	keys := make([]string, 2500)
	for i := range keys {
		keys[i] = "k"
	}
	require.NoError(t, store.Delete(context.Background(), keys...))

	require.Len(t, client.deletes, 3)
	assert.Len(t, client.deletes[0].Delete.Objects, 1000)
	assert.Len(t, client.deletes[1].Delete.Objects, 1000)
	assert.Len(t, client.deletes[2].Delete.Objects, 500)

	require.NoError(t, store.Delete(context.Background()))
	assert.Len(t, client.deletes, 3)

	client.deleteOut = &s3.DeleteObjectsOutput{Errors: []types.Error{{Key: aws.String("k"), Message: aws.String("denied")}}}
	assert.Error(t, store.Delete(context.Background(), "k"))
}

func TestLocal(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocal(dir, "http://localhost:8080/")
	require.NoError(t, err)

	imageURL, err := store.Upload(context.Background(), "restaurants/r1.png", "image/png", pngHeader)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/images/restaurants/r1.png", imageURL)

	stored, err := os.ReadFile(filepath.Join(dir, "restaurants", "r1.png"))
	require.NoError(t, err)
	assert.Equal(t, pngHeader, stored)

	recorder := httptest.NewRecorder()
	store.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/images/restaurants/r1.png", nil))
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, pngHeader, recorder.Body.Bytes())

	key, ok := store.KeyFromURL(imageURL)
	require.True(t, ok)
	require.NoError(t, store.Delete(context.Background(), key, "restaurants/never-existed.png"))
	_, err = os.Stat(filepath.Join(dir, "restaurants", "r1.png"))
	assert.True(t, os.IsNotExist(err))

	_, err = store.Upload(context.Background(), "../escape.png", "image/png", pngHeader)
	assert.Error(t, err)
	assert.Error(t, store.Delete(context.Background(), "../escape.png"))
}
