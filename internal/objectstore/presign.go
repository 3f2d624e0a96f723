// Package objectstore issues presigned upload URLs so clients can put
// screenshots straight into the bucket.
package objectstore

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/support-agent/backend/pkg/logger"
	"github.com/support-agent/backend/pkg/utils"
)

type Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
	Expiry    time.Duration
	KeyPrefix string
}

type Upload struct {
	UploadURL string `json:"upload_url"`
	ObjectKey string `json:"object_key"`
	ExpiresIn int    `json:"expires_in"`
}

type Presigner struct {
	client *minio.Client
	cfg    Config
}

func NewPresigner(cfg Config) (*Presigner, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = 300 * time.Second
	}

	logger.Info("Object store presigner initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("bucket", cfg.Bucket),
	)

	return &Presigner{client: client, cfg: cfg}, nil
}

// PresignPut returns a URL that accepts one PUT of contentType under a fresh
// object key. An empty prefix uses the configured default.
func (p *Presigner) PresignPut(ctx context.Context, contentType, prefix string) (*Upload, error) {
	if prefix == "" {
		prefix = p.cfg.KeyPrefix
	}
	key := ObjectKey(prefix, utils.NewID())

	headers := http.Header{}
	headers.Set("Content-Type", contentType)

	u, err := p.client.PresignHeader(ctx, http.MethodPut, p.cfg.Bucket, key, p.cfg.Expiry, nil, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to presign upload: %w", err)
	}

	logger.Debug("Upload presigned", zap.String("object_key", key))

	return &Upload{
		UploadURL: u.String(),
		ObjectKey: key,
		ExpiresIn: int(p.cfg.Expiry / time.Second),
	}, nil
}

// ObjectKey joins prefix and id, dropping any leading slash so keys stay
// relative to the bucket.
func ObjectKey(prefix, id string) string {
	return strings.TrimLeft(prefix, "/") + id
}
