package packager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"
)

// hashedFile is a discovered file with its content hash computed.
type hashedFile struct {
	filePair
	SHA256 string
}

// hashFiles computes the SHA-256 of every pair in parallel, bounded by
// concurrency, per spec §4.C step 4. Errors from any file abort the whole
// batch, matching the "partial-failure during packaging" rule in §7: no
// filemap is written until every entry succeeds.
func hashFiles(ctx context.Context, pairs []filePair, concurrency int) ([]hashedFile, error) {
	out := make([]hashedFile, len(pairs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, p := range pairs {
		i, p := i, p

		g.Go(func() error {
			sum, err := hashFile(ctx, p.PhysicalPath)
			if err != nil {
				return fmt.Errorf("packager: hashing %s: %w", p.PhysicalPath, err)
			}

			out[i] = hashedFile{filePair: p, SHA256: sum}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}

func hashFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()

	if _, err := io.Copy(h, &contextReader{ctx: ctx, r: f}); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// contextReader aborts a Read once ctx is done, so a canceled hashing run
// (e.g. a sibling file's hash failed) doesn't keep reading to EOF.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	select {
	case <-c.ctx.Done():
		return 0, c.ctx.Err()
	default:
		return c.r.Read(p)
	}
}

// collisionTracker detects two different contents claiming the same flat
// CDN basename, per spec §4.C step 4 / §7's collision error.
type collisionTracker struct {
	mu   sync.Mutex
	seen map[string]string // basename -> sha256
}

func newCollisionTracker() *collisionTracker {
	return &collisionTracker{seen: make(map[string]string)}
}

// check registers basename as belonging to sha256; returns an error
// listing the conflict if a different sha256 already claimed it.
func (c *collisionTracker) check(basename, sha256Hex string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.seen[basename]; ok && existing != sha256Hex {
		return fmt.Errorf("%w: %s (existing sha256 %s, new sha256 %s)", ErrCollision, basename, existing, sha256Hex)
	}

	c.seen[basename] = sha256Hex

	return nil
}
