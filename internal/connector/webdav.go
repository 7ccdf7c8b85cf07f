package connector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/studio-b12/gowebdav"

	"github.com/gensoc/obitstore/pkg/utils"
)

type WebdavConnectorConfig struct {
	BaseURL  string
	BasePath string
	Username string
	Password string
}

type WebdavConnector struct {
	baseURL  string
	basePath string

	webdavClient *gowebdav.Client
}

func NewWebdavConnector(cfg WebdavConnectorConfig) Connector {
	return &WebdavConnector{
		baseURL:  cfg.BaseURL,
		basePath: cfg.BasePath,
		webdavClient: gowebdav.NewClient(
			cfg.BaseURL,
			cfg.Username,
			cfg.Password,
		),
	}
}

func (c *WebdavConnector) keyPath(key string) string {
	return gowebdav.Join(c.basePath, key)
}

func (c *WebdavConnector) Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) (PutResult, error) {
	err := c.webdavClient.WriteStream(c.keyPath(key), data, 0644)
	if err != nil {
		return PutResult{}, classifyWebdav("put", key, err)
	}

	// WebDAV gives us no ETag back on PUT, so re-stat and derive a tag.
	obj, err := c.Stat(ctx, key)
	if err != nil {
		return PutResult{}, err
	}
	return PutResult{SizeBytes: obj.SizeBytes, Fingerprint: obj.Fingerprint}, nil
}

func (c *WebdavConnector) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := c.webdavClient.ReadStream(c.keyPath(key))
	if err != nil {
		return nil, classifyWebdav("get", key, err)
	}
	return r, nil
}

func (c *WebdavConnector) Stat(ctx context.Context, key string) (Object, error) {
	info, err := c.webdavClient.Stat(c.keyPath(key))
	if err != nil {
		return Object{}, classifyWebdav("stat", key, err)
	}
	return c.objectFromInfo(key, info), nil
}

func (c *WebdavConnector) objectFromInfo(key string, info os.FileInfo) Object {
	modTime := info.ModTime()
	return Object{
		Key:               key,
		SizeBytes:         info.Size(),
		Fingerprint:       weakFingerprint(info.Size(), modTime.Unix()),
		ModifiedTimestamp: utils.Ptr(modTime),
	}
}

func (c *WebdavConnector) Traverse(ctx context.Context, objCh chan Object) error {
	queue := make([]string, 0)
	queue = append(queue, c.basePath)

	for len(queue) > 0 {
		path := queue[0]
		queue = queue[1:]

		objects, err := c.webdavClient.ReadDir(path)
		if err != nil {
			return classifyWebdav("list", path, err)
		}

		for _, obj := range objects {
			objPath := gowebdav.Join(path, obj.Name())
			if obj.IsDir() {
				queue = append(queue, objPath)
				continue
			}

			key := objPath
			if c.basePath != "" {
				key = objPath[len(c.basePath)+1:]
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case objCh <- c.objectFromInfo(key, obj):
			}
		}
	}

	return nil
}

// weakFingerprint stands in for an ETag on stores that do not provide one.
func weakFingerprint(size int64, modUnix int64) string {
	return fmt.Sprintf("%x-%x", size, modUnix)
}

func classifyWebdav(op, key string, err error) error {
	if gowebdav.IsErrNotFound(err) {
		return notFound(op, key)
	}
	if gowebdav.IsErrCode(err, http.StatusUnauthorized) ||
		gowebdav.IsErrCode(err, http.StatusForbidden) ||
		gowebdav.IsErrCode(err, http.StatusBadRequest) {
		return &PermanentError{Op: op, Key: key, Err: err}
	}
	return &TransientError{Op: op, Key: key, Err: err}
}
