package imagestore

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const deleteBatchLimit = 1000

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Config describes the bucket. Endpoint is set for S3-compatible servers
// such as MinIO; PublicBaseURL overrides the URL clients load images from.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	PublicBaseURL   string
}

// S3 stores images as public objects in a bucket.
type S3 struct {
	client  s3API
	bucket  string
	baseURL string
}

// NewS3 builds an S3 client from cfg. Static credentials are used when given,
// otherwise the default AWS credential chain.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	loadOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("in internal/imagestore/s3.go/NewS3(): error while `awsconfig.LoadDefaultConfig()` calling: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newS3WithClient(client, cfg), nil
}

func newS3WithClient(client s3API, cfg S3Config) *S3 {
	baseURL := cfg.PublicBaseURL
	switch {
	case baseURL != "":
	case cfg.Endpoint != "":
		baseURL = strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
	default:
		baseURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
	}

	return &S3{
		client:  client,
		bucket:  cfg.Bucket,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Upload puts data under key and returns its public URL.
func (s *S3) Upload(ctx context.Context, key, contentType string, data []byte) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("in internal/imagestore/s3.go/Upload(): error while `s.client.PutObject()` calling: %w", err)
	}

	return s.baseURL + "/" + key, nil
}

// Delete removes keys in batches of at most 1000 objects.
func (s *S3) Delete(ctx context.Context, keys ...string) error {
	for start := 0; start < len(keys); start += deleteBatchLimit {
		end := start + deleteBatchLimit
		if end > len(keys) {
			end = len(keys)
		}

		objects := make([]types.ObjectIdentifier, 0, end-start)
		for _, key := range keys[start:end] {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(key)})
		}

		output, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("in internal/imagestore/s3.go/Delete(): error while `s.client.DeleteObjects()` calling: %w", err)
		}
		if output != nil && len(output.Errors) > 0 {
			first := output.Errors[0]
			return fmt.Errorf(
				"in internal/imagestore/s3.go/Delete(): %d objects not deleted, first %s: %s",
				len(output.Errors),
				aws.ToString(first.Key),
				aws.ToString(first.Message),
			)
		}
	}

	return nil
}

// KeyFromURL returns the object key of an URL produced by Upload.
func (s *S3) KeyFromURL(imageURL string) (string, bool) {
	return keyFromURL(s.baseURL, imageURL)
}

func keyFromURL(baseURL, imageURL string) (string, bool) {
	prefix := baseURL + "/"
	if !strings.HasPrefix(imageURL, prefix) {
		return "", false
	}
	key, err := url.PathUnescape(strings.TrimPrefix(imageURL, prefix))
	if err != nil || key == "" {
		return "", false
	}

	return key, true
}
