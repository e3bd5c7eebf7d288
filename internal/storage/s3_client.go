// Package storage presigns uploads of message media to S3-compatible object
// storage. Messages carry the resulting object keys as media refs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	convosync_errors "convosync/pkg/errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// MaxUploadBytes caps a single media object.
const MaxUploadBytes = 64 << 20

var allowedContentTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/gif":       true,
	"image/webp":      true,
	"video/mp4":       true,
	"audio/mpeg":      true,
	"audio/ogg":       true,
	"application/pdf": true,
}

type S3Config struct {
	Region     string
	Bucket     string
	AccessKey  string
	SecretKey  string
	Endpoint   string
	PublicBase string
	PresignTTL time.Duration
}

type Client struct {
	cfg     S3Config
	presign *s3.PresignClient
}

func NewClient(ctx context.Context, cfg S3Config) (*Client, error) {
	if cfg.Region == "" || cfg.Bucket == "" {
		return nil, errors.New("s3 region and bucket are required")
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if parsed, err := url.Parse(endpoint); err == nil {
				endpoint = parsed.String()
			}
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &Client{
		cfg:     cfg,
		presign: s3.NewPresignClient(s3Client),
	}, nil
}

// Upload is a presigned PUT for one media object.
type Upload struct {
	Key       string            `json:"key"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
	FileURL   string            `json:"file_url,omitempty"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// ObjectKey places media under its conversation with a random name that keeps
// the file extension.
func ObjectKey(conversationID, fileName string) string {
	ext := strings.ToLower(path.Ext(path.Base(fileName)))
	if len(ext) > 10 {
		ext = ""
	}
	return "media/" + conversationID + "/" + uuid.NewString() + ext
}

// ValidateUpload checks content type and size before anything is signed.
func ValidateUpload(contentType string, sizeBytes int64) error {
	if !allowedContentTypes[contentType] {
		return fmt.Errorf("content type %q: %w", contentType, convosync_errors.ErrInvalidInput)
	}
	if sizeBytes <= 0 || sizeBytes > MaxUploadBytes {
		return fmt.Errorf("size %d: %w", sizeBytes, convosync_errors.ErrInvalidInput)
	}
	return nil
}

func (c *Client) PresignPut(ctx context.Context, key, contentType string, sizeBytes int64) (Upload, error) {
	if c == nil {
		return Upload{}, errors.New("s3 client not initialized")
	}
	if key == "" {
		return Upload{}, errors.New("object key is required")
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(c.cfg.Bucket),
		Key:           aws.String(key),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(sizeBytes),
	}

	ttl := c.cfg.PresignTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	presigned, err := c.presign.PresignPutObject(ctx, input, s3.WithPresignExpires(ttl))
	if err != nil {
		return Upload{}, fmt.Errorf("presign put: %w", err)
	}

	return Upload{
		Key: key,
		URL: presigned.URL,
		Headers: map[string]string{
			"Content-Type":   contentType,
			"Content-Length": strconv.FormatInt(sizeBytes, 10),
		},
		FileURL:   c.FileURL(key),
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

func (c *Client) FileURL(key string) string {
	if c == nil || key == "" || c.cfg.PublicBase == "" {
		return ""
	}
	return strings.TrimRight(c.cfg.PublicBase, "/") + "/" + key
}
