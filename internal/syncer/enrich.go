package syncer

import (
	"context"
	"crypto/sha512"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/gabriel-vasile/mimetype"

	"github.com/gensoc/obitstore/internal/connector"
)

// enrich fills in fields the store listing could not provide: the content
// type is sniffed from the object's bytes, and a fingerprint is computed for
// stores whose listings carry none. One download feeds both via a split
// reader.
func (e *Engine) enrich(ctx context.Context, obj *connector.Object) error {
	if obj.ContentType != "" && obj.Fingerprint != "" {
		return nil
	}

	objReader, err := e.con.Get(ctx, obj.Key)
	if err != nil {
		return err
	}
	defer objReader.Close()

	readers := splitReader(objReader, 2)
	wg := sync.WaitGroup{}

	var (
		contentType string
		hashSum     string
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		ct, err := detectContentType(readers[0])
		if err != nil {
			e.lg.Warn("failed to guess content type")
			return
		}
		contentType = ct
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sum, err := calculateSHA512(readers[1])
		if err != nil {
			e.lg.Warn("failed to calculate sha512 checksum")
			return
		}
		hashSum = sum
	}()

	wg.Wait()

	if obj.ContentType == "" {
		obj.ContentType = contentType
	}
	if obj.Fingerprint == "" {
		obj.Fingerprint = hashSum
	}
	return nil
}

func splitReader(r io.Reader, n int) []io.ReadCloser {
	prs := make([]*io.PipeReader, n)
	pws := make([]*io.PipeWriter, n)
	readers := make([]io.ReadCloser, n)

	for i := 0; i < n; i++ {
		pr, pw := io.Pipe()
		prs[i] = pr
		pws[i] = pw
		readers[i] = pr
	}

	go func() {
		defer func() {
			for _, pw := range pws {
				pw.Close()
			}
		}()

		closedReaders := make([]int, 0)
		buf := make([]byte, 1024*32)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				for i := 0; i < len(pws); i++ {
					if slices.Contains(closedReaders, i) {
						continue
					}

					_, wrErr := pws[i].Write(buf[:n])
					if wrErr != nil {
						closedReaders = append(closedReaders, i)
					}
				}
			}
			if err != nil {
				break
			}
		}
	}()

	return readers
}

func calculateSHA512(reader io.ReadCloser) (string, error) {
	defer reader.Close()

	hash := sha512.New()
	_, err := io.Copy(hash, reader)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}

func detectContentType(reader io.ReadCloser) (string, error) {
	defer reader.Close()

	objMimetype, err := mimetype.DetectReader(reader)
	if err != nil {
		return "", err
	}

	return objMimetype.String(), nil
}
