package gcs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

type GCSClient struct {
	client     *storage.Client
	bucketName string
}

// NewGCSClient creates a client bound to bucketName. credentialsFile may be empty to use
// application default credentials.
func NewGCSClient(ctx context.Context, bucketName, credentialsFile string) (*GCSClient, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcs client: %w", err)
	}

	return &GCSClient{
		client:     client,
		bucketName: bucketName,
	}, nil
}

// Upload writes content to objectPath in the configured bucket and returns its gs:// URI.
func (g *GCSClient) Upload(ctx context.Context, objectPath, contentType string, content io.Reader) (string, error) {
	writer := g.client.Bucket(g.bucketName).Object(objectPath).NewWriter(ctx)
	writer.ContentType = contentType
	if _, err := io.Copy(writer, content); err != nil {
		_ = writer.Close()
		return "", fmt.Errorf("failed to copy content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", g.bucketName, objectPath), nil
}

// UploadJSON marshals v and uploads it. Re-uploading the same path overwrites.
func (g *GCSClient) UploadJSON(ctx context.Context, objectPath string, v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal object: %w", err)
	}
	return g.Upload(ctx, objectPath, "application/json", bytes.NewReader(data))
}

func (g *GCSClient) Delete(ctx context.Context, gcsURI string) error {
	bucket, object, err := ParseURI(gcsURI)
	if err != nil {
		return err
	}
	if err := g.client.Bucket(bucket).Object(object).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// SignURL returns a V4 signed GET URL for a gs:// URI.
func (g *GCSClient) SignURL(ctx context.Context, gcsURI string, expiresAt time.Time) (string, error) {
	bucket, object, err := ParseURI(gcsURI)
	if err != nil {
		return "", err
	}
	url, err := g.client.Bucket(bucket).SignedURL(object, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: expiresAt,
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign url: %w", err)
	}
	return url, nil
}

func (g *GCSClient) Close() error {
	return g.client.Close()
}

// ParseURI splits gs://bucket/object/path into its bucket and object parts.
func ParseURI(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("invalid GCS URI: %s", uri)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("invalid GCS URI, no object path: %s", uri)
	}
	return bucket, object, nil
}
