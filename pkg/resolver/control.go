package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
)

// The message types below mirror spec §6.3's resolver control surface,
// identical across the HTTP and in-process installations. The HTTP
// installation (http.go) exposes them as small POST/GET endpoints under
// /_control/; the in-process installation calls the corresponding
// Resolver methods directly.

// InitMessage is the app -> resolver "init" message.
type InitMessage struct {
	Sources []Source `json:"sources"`
}

// CompleteMessage is the app -> resolver "complete" message.
type CompleteMessage struct {
	SourcePrefix string `json:"sourcePrefix"`
}

// ClearCacheMessage is the app -> resolver "clear-cache" message (no
// fields).
type ClearCacheMessage struct{}

// CacheClearedMessage is the resolver -> app acknowledgement.
type CacheClearedMessage struct{}

// StatusResponse is the introspection payload for the bidirectional
// "status" message.
type StatusResponse struct {
	Sources        []Source `json:"sources"`
	FilemapsLoaded []string `json:"filemapsLoaded"`
}

// ClearCache drops the shard cache and every source's filemap memo, per
// the §6.3 "clear-cache" message and §5's cancellation/shared-resource
// notes: in-flight tasks finish writing wherever they were directed, and
// a subsequent clear removes any resulting orphans.
func (r *Resolver) ClearCache(ctx context.Context) error {
	if r.cacheDir != "" {
		shardDir := filepath.Join(r.cacheDir, "shards")
		if err := os.RemoveAll(shardDir); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("resolver: clearing shard cache: %w", err)
		}
	}

	r.mu.RLock()
	sources := append([]*registeredSource(nil), r.sources...)
	r.mu.RUnlock()

	for _, rs := range sources {
		r.loader.Forget(rs.src.filemapSource())
		rs.setFilemap(nil)
	}

	return nil
}

// Status returns the current set of registered sources and which of them
// have a loaded filemap.
func (r *Resolver) Status() StatusResponse {
	r.mu.RLock()
	defer r.mu.RUnlock()

	resp := StatusResponse{}

	for _, rs := range r.sources {
		resp.Sources = append(resp.Sources, rs.src)

		if rs.filemap() != nil {
			resp.FilemapsLoaded = append(resp.FilemapsLoaded, rs.src.PathPrefix)
		}
	}

	return resp
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
