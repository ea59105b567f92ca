package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	"github.com/catflap-labs/onlycat-bridge/internal/entry"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"
)

const objectStoreEntryPrefix = "entries"

// ObjectStoreConfig captures configuration for the object storage backed entry store.
type ObjectStoreConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	Prefix    string
	LocalRoot string
	UseSSL    bool
	PathStyle bool
}

// ObjectEntryStore persists entries in an S3-compatible bucket, mirroring them
// to a local spool directory.
type ObjectEntryStore struct {
	client *minio.Client
	cfg    ObjectStoreConfig
	spool  *entry.FileStore
	mu     sync.Mutex
}

// NewObjectEntryStore initializes an object storage backed entry store.
func NewObjectEntryStore(cfg ObjectStoreConfig) (*ObjectEntryStore, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	cfg.AccessKey = strings.TrimSpace(cfg.AccessKey)
	cfg.SecretKey = strings.TrimSpace(cfg.SecretKey)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("object store: endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object store: bucket is required")
	}
	if cfg.AccessKey == "" {
		return nil, fmt.Errorf("object store: access key is required")
	}
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("object store: secret key is required")
	}

	spoolDir, err := prepareSpool(cfg.LocalRoot, "objectstore")
	if err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}

	options := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.PathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(cfg.Endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("object store: create client: %w", err)
	}

	return &ObjectEntryStore{client: client, cfg: cfg, spool: entry.NewFileStore(spoolDir)}, nil
}

// EntryDir returns the local directory containing mirrored entry files.
func (s *ObjectEntryStore) EntryDir() string {
	return s.spool.BaseDir()
}

// Bootstrap ensures the bucket exists and mirrors its entries to the spool directory.
func (s *ObjectEntryStore) Bootstrap(ctx context.Context) error {
	if err := s.ensureBucket(ctx); err != nil {
		return err
	}
	entries, err := s.List(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		e.Path = ""
		if _, err = s.spool.Save(ctx, e); err != nil {
			return fmt.Errorf("object store: mirror entry %s: %w", e.EntryID, err)
		}
	}
	return nil
}

// Save implements entry.Store.
func (s *ObjectEntryStore) Save(ctx context.Context, e *entry.Entry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	localPath, err := s.spool.Save(ctx, e)
	if err != nil {
		return "", fmt.Errorf("object store: %w", err)
	}
	data, err := readSpoolFile(localPath)
	if err != nil {
		return "", fmt.Errorf("object store: %w", err)
	}
	if err = s.putObject(ctx, s.entryKey(entry.FileName(e)), data, "application/json"); err != nil {
		return "", err
	}
	return localPath, nil
}

// List implements entry.Store.
func (s *ObjectEntryStore) List(ctx context.Context) ([]*entry.Entry, error) {
	prefix := s.entryKey("")
	objectCh := s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})
	entries := make([]*entry.Entry, 0, 8)
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("object store: list entry objects: %w", object.Err)
		}
		name := strings.TrimPrefix(object.Key, prefix)
		if name == "" || strings.Contains(name, "/") || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := s.getObject(ctx, object.Key)
		if err != nil {
			return nil, err
		}
		e, errDecode := decodeEntry(data)
		if errDecode != nil {
			log.WithError(errDecode).WithField("key", object.Key).Warn("object store: skipping entry")
			continue
		}
		e.Path = filepath.Join(s.spool.BaseDir(), name)
		entries = append(entries, e)
	}
	return entries, nil
}

// Delete implements entry.Store.
func (s *ObjectEntryStore) Delete(ctx context.Context, entryID string) error {
	entries, err := s.List(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.EntryID != entryID {
			continue
		}
		if err = s.deleteObject(ctx, s.entryKey(entry.FileName(e))); err != nil {
			return err
		}
		if errSpool := s.spool.Delete(ctx, entryID); errSpool != nil && !errors.Is(errSpool, entry.ErrNotFound) {
			return fmt.Errorf("object store: %w", errSpool)
		}
		return nil
	}
	return entry.ErrNotFound
}

func (s *ObjectEntryStore) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("object store: check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err = s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
		return fmt.Errorf("object store: create bucket: %w", err)
	}
	return nil
}

func (s *ObjectEntryStore) getObject(ctx context.Context, key string) ([]byte, error) {
	reader, err := s.client.GetObject(ctx, s.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("object store: download %s: %w", key, err)
	}
	defer func() { _ = reader.Close() }()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("object store: read %s: %w", key, err)
	}
	return data, nil
}

func (s *ObjectEntryStore) putObject(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("object store: put object %s: %w", key, err)
	}
	return nil
}

func (s *ObjectEntryStore) deleteObject(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.cfg.Bucket, key, minio.RemoveObjectOptions{})
	if err != nil && !isObjectNotFound(err) {
		return fmt.Errorf("object store: delete object %s: %w", key, err)
	}
	return nil
}

// entryKey returns the bucket key of an entry file, or the entry prefix when name is empty.
func (s *ObjectEntryStore) entryKey(name string) string {
	return objectKey(s.cfg.Prefix, name)
}

func objectKey(prefix, name string) string {
	key := objectStoreEntryPrefix + "/" + name
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

func isObjectNotFound(err error) bool {
	if err == nil {
		return false
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusNotFound {
		return true
	}
	switch resp.Code {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return true
	}
	return false
}
