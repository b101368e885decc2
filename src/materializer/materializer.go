// Package materializer populates an action's execution directory from its
// input root digest: it pages through the directory tree, indexes each
// directory descriptor by digest, then recursively hard-links cached blobs
// into place to reproduce the declared file tree exactly.
package materializer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/rexec-worker/src/action"
	"github.com/thought-machine/rexec-worker/src/cas"
	"github.com/thought-machine/rexec-worker/src/fs"
)

var log = logging.MustGetLogger("materializer")

// ErrOutputDirectoriesUnsupported is returned when a command declares any
// output_directories; this core only supports declared output_files.
var ErrOutputDirectoriesUnsupported = errors.New("materializer: output_directories are not supported")

// Cache is the subset of filecache.Cache the materializer depends on.
type Cache interface {
	Put(ctx context.Context, digest *pb.Digest, isExecutable bool) (string, error)
	Path(key string) string
}

// Materializer builds execution directories from input root digests.
type Materializer struct {
	client   cas.CAS
	cache    Cache
	pageSize int32
}

// New constructs a Materializer that pages trees at pageSize directories per
// GetTree call (the CAS Client's own page size limits are still respected;
// this merely caps how many we ask for at once).
func New(client cas.CAS, cache Cache, pageSize int32) *Materializer {
	return &Materializer{client: client, cache: cache, pageSize: pageSize}
}

// Result describes what Materialize produced, for use by cleanup later.
type Result struct {
	// ExecDir is the populated execution directory.
	ExecDir string
	// PinnedKeys is every cache key linked into ExecDir, for cache.Update on cleanup.
	PinnedKeys []string
}

// Materialize fetches the tree rooted at inputRootDigest and hard-links it
// into a fresh directory under root named after name, then prepares parent
// directories for each declared output file. It returns ErrOutputDirectoriesUnsupported
// if cmd declares any output_directories, and aborts (without partially
// succeeding) in that case.
func (m *Materializer) Materialize(ctx context.Context, root, name string, inputRootDigest *pb.Digest, cmd *pb.Command) (*Result, error) {
	if len(cmd.OutputDirectories) > 0 {
		return nil, ErrOutputDirectoriesUnsupported
	}
	execDir := filepath.Join(root, name)
	if err := os.MkdirAll(execDir, fs.DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create execution directory: %w", err)
	}
	log.Debug("Materializing input root %s into %s", inputRootDigest.Hash, execDir)
	res := &Result{ExecDir: execDir}
	index, err := m.fetchIndex(ctx, inputRootDigest)
	if err != nil {
		return res, err
	}
	rootDir, ok := index[inputRootDigest.Hash]
	if !ok {
		return res, fmt.Errorf("input root directory %s missing from tree response", inputRootDigest.Hash)
	}
	if err := m.link(ctx, execDir, rootDir, index, res); err != nil {
		return res, err
	}
	for _, f := range cmd.OutputFiles {
		if err := os.MkdirAll(filepath.Join(execDir, filepath.Dir(f)), fs.DirPermissions); err != nil {
			return res, fmt.Errorf("failed to create output parent directory for %s: %w", f, err)
		}
	}
	return res, nil
}

// fetchIndex pages through the whole tree and indexes each directory by its
// own digest, keeping only the first occurrence of any repeated digest.
func (m *Materializer) fetchIndex(ctx context.Context, rootDigest *pb.Digest) (map[string]*pb.Directory, error) {
	index := map[string]*pb.Directory{}
	pageToken := ""
	for {
		dirs, next, err := m.client.GetTree(ctx, rootDigest, m.pageSize, pageToken)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch input tree: %w", err)
		}
		for _, d := range dirs {
			digest, _, err := action.DigestForMessage(d)
			if err != nil {
				return nil, fmt.Errorf("failed to digest directory descriptor: %w", err)
			}
			if _, ok := index[digest.Hash]; ok {
				continue // duplicates are discarded silently
			}
			index[digest.Hash] = d
		}
		if next == "" {
			return index, nil
		}
		pageToken = next
	}
}

// link recursively materializes dir (already resolved) at destDir.
func (m *Materializer) link(ctx context.Context, destDir string, dir *pb.Directory, index map[string]*pb.Directory, res *Result) error {
	for _, f := range dir.Files {
		key, err := m.cache.Put(ctx, f.Digest, f.IsExecutable)
		if err != nil {
			return fmt.Errorf("failed to materialize %s: %w", f.Name, err)
		}
		res.PinnedKeys = append(res.PinnedKeys, key)
		dest := filepath.Join(destDir, f.Name)
		if err := fs.Link(m.cache.Path(key), dest); err != nil {
			return fmt.Errorf("failed to link %s: %w", f.Name, err)
		}
	}
	for _, s := range dir.Symlinks {
		if err := os.Symlink(s.Target, filepath.Join(destDir, s.Name)); err != nil {
			return fmt.Errorf("failed to create symlink %s: %w", s.Name, err)
		}
	}
	for _, sub := range dir.Directories {
		child, ok := index[sub.Digest.Hash]
		if !ok {
			return fmt.Errorf("directory %s (digest %s) missing from tree response", sub.Name, sub.Digest.Hash)
		}
		childDest := filepath.Join(destDir, sub.Name)
		if err := os.MkdirAll(childDest, fs.DirPermissions); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", sub.Name, err)
		}
		if err := m.link(ctx, childDest, child, index, res); err != nil {
			return err
		}
	}
	return nil
}
