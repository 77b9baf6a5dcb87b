// Copyright 2025 IndexFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package index

import (
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"indexfs/internal/common"
)

// maxChainDepth bounds parent-chain walks. The table can hold forward
// references and, when corrupt, cycles; a bounded walk turns a cycle into
// a resolution error instead of a hang.
const maxChainDepth = 4096

const defaultPathCacheSize = 65536

type cachedPath struct {
	path string
	gen  uint64
}

// Resolver memoizes id → full path resolution. Invalidation is lazy: a
// directory rename or move bumps the generation, and stale entries are
// recomputed on next access rather than eagerly evicted. File-only renames
// evict just that id.
type Resolver struct {
	mu    sync.Mutex
	cache *lru.Cache[uint64, cachedPath]
	gen   atomic.Uint64
}

// NewResolver creates a resolver with the given cache capacity (entries).
func NewResolver(capacity int) *Resolver {
	if capacity <= 0 {
		capacity = defaultPathCacheSize
	}
	c, _ := lru.New[uint64, cachedPath](capacity)
	return &Resolver{cache: c}
}

// InvalidateSubtree records that the subtree below a moved or renamed
// directory has stale cached paths. Every cached path older than the new
// generation recomputes on next access.
func (r *Resolver) InvalidateSubtree() {
	r.gen.Add(1)
}

// Evict drops the cached path for a single id (file rename).
func (r *Resolver) Evict(id uint64) {
	r.mu.Lock()
	r.cache.Remove(id)
	r.mu.Unlock()
}

// Resolve returns the full path of id within the snapshot, walking the
// parent chain up to the volume root and caching each hop.
func (r *Resolver) Resolve(s *Snapshot, id uint64) (string, error) {
	gen := r.gen.Load()
	return r.resolve(s, id, gen, 0)
}

func (r *Resolver) resolve(s *Snapshot, id uint64, gen uint64, depth int) (string, error) {
	if depth > maxChainDepth {
		return "", fmt.Errorf("parent chain too deep at id %d: %w", id, common.ErrCorruptRecord)
	}
	if id == s.rootID {
		return "/", nil
	}

	r.mu.Lock()
	c, ok := r.cache.Get(id)
	r.mu.Unlock()
	if ok && c.gen == gen {
		return c.path, nil
	}

	f := s.files[id]
	if f == nil {
		return "", fmt.Errorf("id %d: %w", id, common.ErrNotFound)
	}
	parentPath, err := r.resolve(s, f.ParentID, gen, depth+1)
	if err != nil {
		return "", err
	}
	var path string
	if parentPath == "/" {
		path = "/" + f.Name
	} else {
		path = parentPath + "/" + f.Name
	}

	r.mu.Lock()
	r.cache.Add(id, cachedPath{path: path, gen: gen})
	r.mu.Unlock()
	return path, nil
}
