package calibration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	gcs "cloud.google.com/go/storage"
)

var ErrReadOnly = errors.New("calibration location is read only")

// File is an open calibration file
type File struct {
	Reader     io.ReadCloser
	ModifiedAt time.Time
	Size       int64
}

// Storage reads and writes calibration files at one kind of location.
// Names are whatever Location.Path or Location.URL holds for that kind.
type Storage interface {
	// When finished, you must close File.Reader
	ReadFile(ctx context.Context, name string) (*File, error)
	// When finished, you must close the WriteCloser
	WriteFile(ctx context.Context, name string) (io.WriteCloser, error)
}

// IsNotFound is true for errors that mean "there is no calibration yet"
func IsNotFound(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, gcs.ErrObjectNotExist)
}

// StorageFS reads and writes absolute paths on the local filesystem
type StorageFS struct{}

func (StorageFS) ReadFile(ctx context.Context, name string) (*File, error) {
	file, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	st, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	return &File{
		Reader:     file,
		ModifiedAt: st.ModTime(),
		Size:       st.Size(),
	}, nil
}

func (StorageFS) WriteFile(ctx context.Context, name string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(name), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
}

// StorageHTTP fetches calibration files from a web server
type StorageHTTP struct {
	Client *http.Client
}

func (s *StorageHTTP) ReadFile(ctx context.Context, url string) (*File, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("%v: %w", url, os.ErrNotExist)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %v: %v", url, resp.Status)
	}
	modified, _ := http.ParseTime(resp.Header.Get("Last-Modified"))
	return &File{
		Reader:     resp.Body,
		ModifiedAt: modified,
		Size:       resp.ContentLength,
	}, nil
}

func (s *StorageHTTP) WriteFile(ctx context.Context, url string) (io.WriteCloser, error) {
	return nil, ErrReadOnly
}

// StorageGCS is a Google Cloud Storage bucket. Close it when done.
type StorageGCS struct {
	client *gcs.Client
	bucket *gcs.BucketHandle
}

func NewStorageGCS(ctx context.Context, bucketName string) (*StorageGCS, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &StorageGCS{
		client: client,
		bucket: client.Bucket(bucketName),
	}, nil
}

func (s *StorageGCS) Close() error {
	return s.client.Close()
}

func (s *StorageGCS) ReadFile(ctx context.Context, name string) (*File, error) {
	r, err := s.bucket.Object(name).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	return &File{
		Reader:     r,
		ModifiedAt: r.Attrs.LastModified,
		Size:       r.Attrs.Size,
	}, nil
}

func (s *StorageGCS) WriteFile(ctx context.Context, name string) (io.WriteCloser, error) {
	w := s.bucket.Object(name).NewWriter(ctx)
	w.ContentType = "application/x-yaml"
	return w, nil
}

// OpenStorage returns the Storage for a location, and the name of the file within it
func OpenStorage(ctx context.Context, loc Location) (Storage, string, error) {
	switch loc.Scheme {
	case SchemeFile:
		return StorageFS{}, loc.Path, nil
	case SchemeHTTP:
		return &StorageHTTP{Client: &http.Client{Timeout: 10 * time.Second}}, loc.URL, nil
	case SchemeGCS:
		s, err := NewStorageGCS(ctx, loc.Bucket)
		if err != nil {
			return nil, "", err
		}
		return s, loc.Path, nil
	}
	return nil, "", ErrUnsupportedURL
}

func readAll(ctx context.Context, s Storage, name string) ([]byte, error) {
	f, err := s.ReadFile(ctx, name)
	if err != nil {
		return nil, err
	}
	defer f.Reader.Close()
	return io.ReadAll(f.Reader)
}

func writeAll(ctx context.Context, s Storage, name string, content []byte) error {
	w, err := s.WriteFile(ctx, name)
	if err != nil {
		return err
	}
	_, err = w.Write(content)
	errClose := w.Close()
	if err != nil {
		return err
	}
	return errClose
}
