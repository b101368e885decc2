// Package filecache implements the worker's content-addressed local file
// cache: it materializes blobs fetched from the CAS onto disk at stable,
// content-keyed paths, bounded by a total-bytes budget, and protects entries
// an in-flight action still needs from eviction via reference counting.
package filecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/djherbis/atime"
	"github.com/dustin/go-humanize"
	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/rexec-worker/src/cas"
	"github.com/thought-machine/rexec-worker/src/cmap"
	"github.com/thought-machine/rexec-worker/src/fs"
)

var log = logging.MustGetLogger("filecache")

// ErrMiss is returned by Put when the content cannot be made resident because
// it would not fit the cache budget even after evicting every unpinned entry,
// or when a coalesced fetch it waited on left neither an outcome nor an entry
// behind. An error from fetching the blob itself is returned as it is.
var ErrMiss = errors.New("filecache: miss")

// fetchOutcomeTTL bounds how long a published fetch outcome stays in the
// coalescing map after the leader publishes it, so the map doesn't grow by
// one entry per distinct (key, generation) for the life of the process. It's
// generous relative to how quickly a waiting follower re-reads the map once
// woken, so it should never expire an outcome before every follower has seen it.
const fetchOutcomeTTL = 30 * time.Second

// entry is the bookkeeping record for one resident cache key.
type entry struct {
	digest         *pb.Digest
	isExecutable   bool
	sizeBytes      int64
	refCount       int
	lastReleasedAt time.Time
}

// Cache is the local content-addressed store described in the package doc.
// All of its exported methods are safe for concurrent use.
type Cache struct {
	root   string
	budget int64
	client cas.CAS

	mu        sync.Mutex
	entries   map[string]*entry
	totalSize int64

	// inflight gates leader election for concurrent Put calls racing on the
	// same key; fetches broadcasts the outcome to anyone who lost the race.
	inflight   map[string]bool
	generation map[string]int
	fetches    *cmap.Map[string, fetchOutcome]
}

// fetchOutcome is what a coalesced fetch leader publishes for its followers.
type fetchOutcome struct {
	sizeBytes int64
	err       error
}

// New constructs a Cache rooted at root with the given total byte budget.
// Call Start before using it.
func New(root string, budget int64, client cas.CAS) *Cache {
	return &Cache{
		root:       root,
		budget:     budget,
		client:     client,
		entries:    map[string]*entry{},
		inflight:   map[string]bool{},
		generation: map[string]int{},
		fetches:    cmap.New[string, fetchOutcome](cmap.DefaultShardCount, hashKey),
	}
}

// Start initializes the on-disk root, reconciling any pre-existing files left
// over from a previous run (the cache is otherwise memory-resident; this is
// purely an optimisation to avoid refetching content the disk already has).
func (c *Cache) Start() error {
	if !fs.PathExists(c.root) {
		if err := os.MkdirAll(c.root, fs.DirPermissions); err != nil {
			return fmt.Errorf("failed to create cache directory %s: %w", c.root, err)
		}
		return nil
	}
	log.Info("Scanning existing cache directory %s...", c.root)
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return fmt.Errorf("failed to scan cache directory %s: %w", c.root, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		key, digest, isExecutable, ok := parseKey(e.Name(), info.Size())
		if !ok {
			continue
		}
		c.entries[key] = &entry{
			digest:         digest,
			isExecutable:   isExecutable,
			sizeBytes:      info.Size(),
			lastReleasedAt: atime.Get(info),
		}
		c.totalSize += info.Size()
	}
	log.Info("Reconciled %d existing cache entries (%s)", len(c.entries), humanize.Bytes(uint64(c.totalSize)))
	return nil
}

// Put ensures the blob identified by (digest, isExecutable) is resident in
// the cache, pins it (increments its ref_count), and returns its cache key.
// Repeated calls for the same (digest, isExecutable) are idempotent: each
// increments ref_count by one and returns the same key.
func (c *Cache) Put(ctx context.Context, digest *pb.Digest, isExecutable bool) (string, error) {
	key := cacheKey(digest, isExecutable)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.refCount++
		c.mu.Unlock()
		return key, nil
	}
	leader := !c.inflight[key]
	if leader {
		c.inflight[key] = true
	}
	gen := c.generation[key]
	c.mu.Unlock()

	fetchKey := fmt.Sprintf("%s#%d", key, gen)
	if !leader {
		if _, wait := c.fetches.Get(fetchKey); wait != nil {
			<-wait
		}
		outcome, wait := c.fetches.Get(fetchKey)
		if wait != nil {
			return "", ErrMiss // leader vanished without publishing; treat as a miss
		}
		if outcome.err != nil {
			return "", outcome.err
		}
		c.mu.Lock()
		e, ok := c.entries[key]
		if !ok {
			c.mu.Unlock()
			return "", ErrMiss
		}
		e.refCount++
		c.mu.Unlock()
		return key, nil
	}

	size, err := c.fetch(ctx, key, digest, isExecutable)
	c.mu.Lock()
	c.generation[key]++
	delete(c.inflight, key)
	if err == nil {
		c.entries[key] = &entry{digest: digest, isExecutable: isExecutable, sizeBytes: size, refCount: 1}
		c.totalSize += size
	}
	c.mu.Unlock()
	c.fetches.Set(fetchKey, fetchOutcome{sizeBytes: size, err: err})
	time.AfterFunc(fetchOutcomeTTL, func() { c.fetches.Delete(fetchKey) })
	if err != nil {
		return "", err
	}
	return key, nil
}

// fetch makes room for and downloads a new cache entry, returning its size on disk.
func (c *Cache) fetch(ctx context.Context, key string, digest *pb.Digest, isExecutable bool) (int64, error) {
	if !c.makeRoom(digest.SizeBytes) {
		return 0, ErrMiss
	}
	r, err := c.client.NewStreamInput(ctx, digest)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	dest := c.path(key)
	tmp, err := os.CreateTemp(c.root, "fetch-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, err
	}
	mode := os.FileMode(0644)
	if isExecutable {
		mode = 0755
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		os.Remove(tmpName)
		return 0, err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return 0, err
	}
	return digest.SizeBytes, nil
}

// makeRoom evicts unpinned entries in LRU order until size bytes fit the
// budget, or reports false if even a fully evicted cache couldn't fit it.
func (c *Cache) makeRoom(size int64) bool {
	if size > c.budget {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.totalSize+size <= c.budget {
		return true
	}
	candidates := make([]string, 0, len(c.entries))
	for k, e := range c.entries {
		if e.refCount == 0 {
			candidates = append(candidates, k)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return c.entries[candidates[i]].lastReleasedAt.Before(c.entries[candidates[j]].lastReleasedAt)
	})
	for _, k := range candidates {
		if c.totalSize+size <= c.budget {
			break
		}
		e := c.entries[k]
		if err := os.Remove(c.path(k)); err != nil && !os.IsNotExist(err) {
			log.Warning("Failed to evict cache entry %s: %s", k, err)
			continue
		}
		c.totalSize -= e.sizeBytes
		delete(c.entries, k)
	}
	return c.totalSize+size <= c.budget
}

// Path returns the stable on-disk path for a cache key, suitable for hard-linking.
func (c *Cache) Path(key string) string {
	return c.path(key)
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.root, key)
}

// Update releases one pin for each key in keys (decrements ref_count). Keys
// whose count reaches zero become eviction candidates, timestamped now.
func (c *Cache) Update(keys []string) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		e, ok := c.entries[k]
		if !ok {
			continue
		}
		if e.refCount > 0 {
			e.refCount--
		}
		if e.refCount == 0 {
			e.lastReleasedAt = now
		}
	}
}

// TotalSize returns the current resident byte total.
func (c *Cache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalSize
}

// cacheKey derives the stable on-disk name for a (digest, is_executable) pair.
// Content with differing executable bits occupies distinct entries.
func cacheKey(digest *pb.Digest, isExecutable bool) string {
	if isExecutable {
		return digest.Hash + ".x"
	}
	return digest.Hash
}

// parseKey recovers a digest from a reconciled on-disk file name, if it looks
// like one of ours (a bare hex hash, optionally suffixed with ".x").
func parseKey(name string, size int64) (key string, digest *pb.Digest, isExecutable bool, ok bool) {
	hash := name
	if len(name) > 2 && name[len(name)-2:] == ".x" {
		hash = name[:len(name)-2]
		isExecutable = true
	}
	if len(hash) != 64 {
		return "", nil, false, false
	}
	return name, &pb.Digest{Hash: hash, SizeBytes: size}, isExecutable, true
}

func hashKey(k string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(k); i++ {
		h ^= uint32(k[i])
		h *= 16777619
	}
	return h
}
