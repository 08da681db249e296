package objectstore

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/rs/zerolog"
)

const defaultPublicBaseURL = "https://storage.googleapis.com"

// UploaderConfig holds configuration specific to the GCS uploader.
type UploaderConfig struct {
	BucketName   string
	ObjectPrefix string
	// PublicBaseURL is prepended to bucket/object when building the returned
	// URL. Defaults to the public GCS endpoint.
	PublicBaseURL string
}

// Uploader writes single assets to a GCS bucket and returns their public URL.
type Uploader struct {
	client GCSClient
	config UploaderConfig
	logger zerolog.Logger
}

// NewUploader creates a new uploader configured for Google Cloud Storage.
func NewUploader(gcsClient GCSClient, config UploaderConfig, logger zerolog.Logger) (*Uploader, error) {
	if gcsClient == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if config.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	if config.PublicBaseURL == "" {
		config.PublicBaseURL = defaultPublicBaseURL
	}
	return &Uploader{
		client: gcsClient,
		config: config,
		logger: logger.With().Str("component", "Uploader").Logger(),
	}, nil
}

// Store writes one object under the configured prefix and returns its URL.
func (u *Uploader) Store(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	objectName := path.Join(u.config.ObjectPrefix, key)

	writer := u.client.Bucket(u.config.BucketName).Object(objectName).NewWriter(ctx)
	writer.SetContentType(contentType)

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return "", fmt.Errorf("failed to write GCS object %s: %w", objectName, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close GCS object writer for %s: %w", objectName, err)
	}

	url := fmt.Sprintf("%s/%s/%s", u.config.PublicBaseURL, u.config.BucketName, objectName)
	u.logger.Info().
		Str("object_name", objectName).
		Int("bytes_written", len(data)).
		Msg("Successfully uploaded asset to GCS.")
	return url, nil
}
