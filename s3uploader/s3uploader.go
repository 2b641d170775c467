// Package s3uploader archives finished downloads to an S3 compatible bucket.
package s3uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// KeyPrefix is the root under which archived downloads are stored.
const KeyPrefix = "downloads"

var ErrNoBucket = errors.New("s3 bucket is required")

var videoContentTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".flv":  "video/x-flv",
	".3gp":  "video/3gpp",
}

// Config selects the bucket and credentials. Empty credentials fall back to
// the default AWS provider chain. Endpoint targets S3 compatible services.
type Config struct {
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	Endpoint  string
}

type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Uploader struct {
	client putObjectAPI
	bucket string
	log    *zap.Logger
}

func New(ctx context.Context, cfg Config, log *zap.Logger) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, ErrNoBucket
	}

	if log == nil {
		log = zap.NewNop()
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Uploader{client: client, bucket: cfg.Bucket, log: log}, nil
}

// Upload stores body under key.
func (u *Uploader) Upload(ctx context.Context, key, contentType string, body io.Reader) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   body,
	}

	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := u.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	return nil
}

// Archive uploads the file at filePath to downloads/<id>/<basename> and
// returns the object key.
func (u *Uploader) Archive(ctx context.Context, downloadID, filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", filePath, err)
	}
	defer f.Close()

	key := ObjectKey(downloadID, filePath)

	if err := u.Upload(ctx, key, contentType(filePath), f); err != nil {
		return "", err
	}

	u.log.Info("download archived",
		zap.String("download_id", downloadID),
		zap.String("bucket", u.bucket),
		zap.String("key", key),
	)

	return key, nil
}

func contentType(filePath string) string {
	ext := strings.ToLower(filepath.Ext(filePath))
	if ct, ok := videoContentTypes[ext]; ok {
		return ct
	}

	return mime.TypeByExtension(ext)
}

// ObjectKey returns the archive key of a downloaded file.
func ObjectKey(downloadID, filePath string) string {
	return path.Join(KeyPrefix, downloadID, filepath.Base(filePath))
}
