package logstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOStore keeps build logs in an S3-compatible bucket.
type MinIOStore struct {
	Client *minio.Client
	Bucket string
}

// NewMinIOStore initializes a MinIO client and ensures the bucket exists.
func NewMinIOStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinIOStore, error) {
	if endpoint == "" || bucket == "" {
		return nil, fmt.Errorf("endpoint and bucket required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
	}
	return &MinIOStore{Client: client, Bucket: bucket}, nil
}

func key(buildID string) string {
	return "builds/" + buildID + ".log"
}

// Put uploads the log for a build, replacing any previous one.
func (m *MinIOStore) Put(ctx context.Context, buildID string, data []byte) error {
	_, err := m.Client.PutObject(ctx, m.Bucket, key(buildID), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "text/plain",
	})
	return err
}

// Get downloads the archived log for a build.
func (m *MinIOStore) Get(ctx context.Context, buildID string) ([]byte, error) {
	obj, err := m.Client.GetObject(ctx, m.Bucket, key(buildID), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil, ErrNoLog
		}
		return nil, err
	}
	return data, nil
}
