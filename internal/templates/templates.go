// Package templates loads the template markup each trade document starts
// from. Templates mark their fields with <mark>[field_id]</mark> and are
// hydrated into bound field nodes before editing begins.
package templates

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"tradeflow/api/internal/doctree"
)

var ErrNotFound = errors.New("template not found")

//go:embed defaults/*.html
var defaults embed.FS

// Source yields the template markup for a document kind.
type Source interface {
	Template(ctx context.Context, kind doctree.Kind) (string, error)
}

func fileName(kind doctree.Kind) string {
	return kind.String() + ".html"
}

// Embedded serves the templates compiled into the binary.
type Embedded struct{}

func (Embedded) Template(_ context.Context, kind doctree.Kind) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %d", ErrNotFound, kind)
	}
	raw, err := defaults.ReadFile("defaults/" + fileName(kind))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, kind)
	}
	return string(raw), nil
}

// Dir reads <kind>.html files from a directory on disk.
type Dir struct {
	Root string
}

func (d Dir) Template(_ context.Context, kind doctree.Kind) (string, error) {
	raw, err := os.ReadFile(filepath.Join(d.Root, fileName(kind)))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, kind)
	}
	if err != nil {
		return "", fmt.Errorf("read template %s: %w", kind, err)
	}
	return string(raw), nil
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
	Region    string
}

// Minio reads <prefix><kind>.html objects from a bucket.
type Minio struct {
	bucket string
	prefix string
	get    func(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

func NewMinio(cfg MinioConfig) (*Minio, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" || strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("minio endpoint and bucket are required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Minio{
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		get: func(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
			return client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
		},
	}, nil
}

func (m *Minio) Template(ctx context.Context, kind doctree.Kind) (string, error) {
	key := m.prefix + fileName(kind)
	obj, err := m.get(ctx, m.bucket, key)
	if err != nil {
		return "", m.wrap(kind, err)
	}
	defer obj.Close()
	raw, err := io.ReadAll(obj)
	if err != nil {
		return "", m.wrap(kind, err)
	}
	return string(raw), nil
}

func (m *Minio) wrap(kind doctree.Kind, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%w: %s", ErrNotFound, kind)
	}
	return fmt.Errorf("fetch template %s from bucket %s: %w", kind, m.bucket, err)
}

// Chain asks each source in turn and returns the first template found.
type Chain []Source

func (c Chain) Template(ctx context.Context, kind doctree.Kind) (string, error) {
	for _, src := range c {
		markup, err := src.Template(ctx, kind)
		if err == nil {
			return markup, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, kind)
}

// Load hydrates a fresh document for every kind.
func Load(ctx context.Context, src Source) ([]*doctree.Document, error) {
	docs := make([]*doctree.Document, 0, len(doctree.Kinds()))
	for _, kind := range doctree.Kinds() {
		markup, err := src.Template(ctx, kind)
		if err != nil {
			return nil, err
		}
		doc, err := doctree.Hydrate(kind, markup)
		if err != nil {
			return nil, fmt.Errorf("hydrate %s template: %w", kind, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
