package democontent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Prefix    string
}

// MinIOProvider serves demo payloads from an object store, one
// <prefix><task_id>.json object per payload. Used when the demo
// catalog is shared across gateway replicas.
type MinIOProvider struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewMinIOProvider(cfg MinIOConfig) (*MinIOProvider, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required when APFLOW_DEMO_DEMO_BACKEND=minio")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = "apflow-demo-results"
	}
	return &MinIOProvider{client: client, bucket: bucket, prefix: cfg.Prefix}, nil
}

func (p *MinIOProvider) Available(ctx context.Context) bool {
	exists, err := p.client.BucketExists(ctx, p.bucket)
	return err == nil && exists
}

func (p *MinIOProvider) Result(ctx context.Context, taskID string) (json.RawMessage, bool, error) {
	obj, err := p.client.GetObject(ctx, p.bucket, p.objectName(taskID), minio.GetObjectOptions{})
	if err != nil {
		return nil, false, err
	}
	defer obj.Close()
	b, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, false, nil
		}
		return nil, false, err
	}
	return json.RawMessage(b), true, nil
}

func (p *MinIOProvider) List(ctx context.Context) ([]string, error) {
	out := make([]string, 0, 32)
	for info := range p.client.ListObjects(ctx, p.bucket, minio.ListObjectsOptions{Prefix: p.prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, info.Err
		}
		name := strings.TrimPrefix(info.Key, p.prefix)
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		out = append(out, strings.TrimSuffix(name, ".json"))
	}
	return out, nil
}

func (p *MinIOProvider) objectName(taskID string) string {
	return p.prefix + taskID + ".json"
}
