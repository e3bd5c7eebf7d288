package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	convosync_errors "convosync/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresignPutAgainstCustomEndpoint(t *testing.T) {
	c, err := NewClient(context.Background(), S3Config{
		Region:     "us-east-1",
		Bucket:     "media",
		AccessKey:  "AKIDEXAMPLE",
		SecretKey:  "secret",
		Endpoint:   "http://localhost:9000",
		PublicBase: "https://cdn.example.com/",
		PresignTTL: 5 * time.Minute,
	})
	require.NoError(t, err)

	key := ObjectKey("c1", "holiday.JPG")
	assert.True(t, strings.HasPrefix(key, "media/c1/"))
	assert.True(t, strings.HasSuffix(key, ".jpg"))

	up, err := c.PresignPut(context.Background(), key, "image/jpeg", 2048)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(up.URL, "http://localhost:9000/media/"+key), up.URL)
	assert.Contains(t, up.URL, "X-Amz-Signature=")
	assert.Contains(t, up.URL, "X-Amz-Expires=300")
	assert.Equal(t, "2048", up.Headers["Content-Length"])
	assert.Equal(t, "https://cdn.example.com/"+key, up.FileURL)
}

func TestValidateUpload(t *testing.T) {
	require.NoError(t, ValidateUpload("image/png", 10))
	require.ErrorIs(t, ValidateUpload("application/x-msdownload", 10), convosync_errors.ErrInvalidInput)
	require.ErrorIs(t, ValidateUpload("image/png", 0), convosync_errors.ErrInvalidInput)
	require.ErrorIs(t, ValidateUpload("image/png", MaxUploadBytes+1), convosync_errors.ErrInvalidInput)
}

func TestNewClientNeedsBucket(t *testing.T) {
	_, err := NewClient(context.Background(), S3Config{Region: "us-east-1"})
	require.Error(t, err)
}
