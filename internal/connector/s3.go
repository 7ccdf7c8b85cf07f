package connector

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/gensoc/obitstore/pkg/utils"
)

type S3ConnectorConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

type S3Connector struct {
	client *minio.Client
	bucket string
}

func NewS3Connector(cfg S3ConnectorConfig) (Connector, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Region: cfg.Region,
		Secure: cfg.UseSSL,
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
	})
	if err != nil {
		return nil, err
	}
	return &S3Connector{client: client, bucket: cfg.Bucket}, nil
}

func (c *S3Connector) Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) (PutResult, error) {
	info, err := c.client.PutObject(ctx, c.bucket, key, data, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return PutResult{}, classifyS3("put", key, err)
	}
	return PutResult{SizeBytes: info.Size, Fingerprint: info.ETag}, nil
}

func (c *S3Connector) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := c.client.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyS3("get", key, err)
	}
	// GetObject defers the request; Stat forces it so missing keys surface here.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, classifyS3("get", key, err)
	}
	return obj, nil
}

func (c *S3Connector) Stat(ctx context.Context, key string) (Object, error) {
	info, err := c.client.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return Object{}, classifyS3("stat", key, err)
	}
	return objectFromS3Info(info), nil
}

func (c *S3Connector) Traverse(ctx context.Context, objCh chan Object) error {
	for info := range c.client.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{Recursive: true}) {
		if info.Err != nil {
			return classifyS3("list", info.Key, info.Err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case objCh <- objectFromS3Info(info):
		}
	}
	return nil
}

func objectFromS3Info(info minio.ObjectInfo) Object {
	return Object{
		Key:               info.Key,
		SizeBytes:         info.Size,
		Fingerprint:       info.ETag,
		ContentType:       info.ContentType,
		ModifiedTimestamp: utils.Ptr(info.LastModified),
	}
}

func classifyS3(op, key string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode != 0 {
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return notFound(op, key)
		case resp.StatusCode == http.StatusRequestTimeout,
			resp.StatusCode == http.StatusTooManyRequests,
			resp.StatusCode >= http.StatusInternalServerError:
			return &TransientError{Op: op, Key: key, Err: err}
		default:
			return &PermanentError{Op: op, Key: key, Err: err}
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	// Anything without an S3 error response is a connection-level failure.
	return &TransientError{Op: op, Key: key, Err: err}
}
