package shardstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

// S3Config configures an S3-compatible backing for shards, an alternative
// remote namespace alongside a plain HTTP CDN (spec §1 "commodity CDN" —
// an S3 bucket fronted by a CDN is a common case).
type S3Config struct {
	Bucket          string
	Endpoint        string // host[:port], no scheme
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Prefix          string
}

// ErrBucketRequired is returned when Bucket is empty.
var ErrBucketRequired = errors.New("shardstore: s3: bucket is required")

// S3Store reads shards from an S3-compatible bucket, with the same
// write-through local cache semantics as RemoteStore.
type S3Store struct {
	client   *minio.Client
	bucket   string
	prefix   string
	cacheDir string
	logger   zerolog.Logger
	onCached func(localPath string, size int64)
}

// NewS3Store returns a Store backed by an S3-compatible bucket.
func NewS3Store(logger zerolog.Logger, cfg S3Config, cacheDir string) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, ErrBucketRequired
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("shardstore: s3: creating client: %w", err)
	}

	return &S3Store{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		cacheDir: cacheDir,
		logger:   logger.With().Str("component", "shardstore.s3").Str("bucket", cfg.Bucket).Logger(),
	}, nil
}

// OnCached registers a callback invoked after a shard is written through to
// the local cache.
func (s *S3Store) OnCached(fn func(localPath string, size int64)) { s.onCached = fn }

func (s *S3Store) key(shardName string) string {
	if s.prefix == "" {
		return shardName
	}

	return s.prefix + "/" + shardName
}

func (s *S3Store) cachePath(shardName string) string {
	sum := sha256.Sum256([]byte("s3://" + s.bucket + "/" + s.prefix))
	prefix := hex.EncodeToString(sum[:])[:16]

	return filepath.Join(s.cacheDir, prefix+"-"+filepath.Base(shardName))
}

// Get implements Store.
func (s *S3Store) Get(ctx context.Context, shardName string) (io.ReadCloser, int64, error) {
	if f, size, ok := s.readCache(shardName); ok {
		return f, size, nil
	}

	obj, err := s.client.GetObject(ctx, s.bucket, s.key(shardName), minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("shardstore: s3: %w", err)
	}
	defer obj.Close()

	if _, err := obj.Stat(); err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return nil, 0, ErrNotFound
		}

		return nil, 0, fmt.Errorf("shardstore: s3: stat: %w", err)
	}

	raw, err := io.ReadAll(obj)
	if err != nil {
		return nil, 0, fmt.Errorf("shardstore: s3: reading object: %w", err)
	}

	s.writeCache(shardName, raw)

	return io.NopCloser(bytes.NewReader(raw)), int64(len(raw)), nil
}

// GetRange implements Store.
func (s *S3Store) GetRange(ctx context.Context, shardName string, start, end int64) (io.ReadCloser, RangeStatus, int64, error) {
	if f, size, ok := s.readCache(shardName); ok {
		return sliceLocal(f, size, start, end)
	}

	obj, err := s.client.GetObject(ctx, s.bucket, s.key(shardName), minio.GetObjectOptions{})
	if err != nil {
		return nil, RangeStatusFull, 0, fmt.Errorf("shardstore: s3: %w", err)
	}

	if err := obj.SetRange(start, end); err != nil {
		obj.Close()

		return nil, RangeStatusFull, 0, fmt.Errorf("shardstore: s3: %w", err)
	}

	raw, err := io.ReadAll(obj)
	obj.Close()

	if err != nil {
		return nil, RangeStatusFull, 0, fmt.Errorf("shardstore: s3: reading range: %w", err)
	}

	return io.NopCloser(bytes.NewReader(raw)), RangeStatusPartial, int64(len(raw)), nil
}

func (s *S3Store) readCache(shardName string) (io.ReadCloser, int64, bool) {
	f, err := os.Open(s.cachePath(shardName))
	if err != nil {
		return nil, 0, false
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, 0, false
	}

	return f, fi.Size(), true
}

func (s *S3Store) writeCache(shardName string, raw []byte) {
	if s.cacheDir == "" {
		return
	}

	if err := os.MkdirAll(s.cacheDir, 0o755); err != nil {
		s.logger.Warn().Err(err).Msg("error creating shard cache directory")

		return
	}

	path := s.cachePath(shardName)

	tmp, err := os.CreateTemp(s.cacheDir, "shard-*.tmp")
	if err != nil {
		s.logger.Warn().Err(err).Msg("error creating shard cache temp file")

		return
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()

		return
	}

	if err := tmp.Close(); err != nil {
		return
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		s.logger.Warn().Err(err).Msg("error installing shard cache file")

		return
	}

	if s.onCached != nil {
		s.onCached(path, int64(len(raw)))
	}
}
