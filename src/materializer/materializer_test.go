package materializer

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thought-machine/rexec-worker/src/action"
)

// fakeCAS implements cas.CAS just enough to drive GetTree from an in-memory tree.
type fakeCAS struct {
	pages [][]*pb.Directory
	err   error
}

func (f *fakeCAS) GetBlob(context.Context, *pb.Digest) ([]byte, error) { return nil, nil }
func (f *fakeCAS) NewStreamInput(context.Context, *pb.Digest) (io.ReadCloser, error) {
	return nil, nil
}
func (f *fakeCAS) PutBlob(context.Context, []byte) (*pb.Digest, error)         { return nil, nil }
func (f *fakeCAS) PutAllBlobs(context.Context, [][]byte) ([]*pb.Digest, error) { return nil, nil }
func (f *fakeCAS) GetStreamOutput(context.Context, string) (io.WriteCloser, error) {
	return nil, nil
}
func (f *fakeCAS) PutActionResult(context.Context, *pb.Digest, *pb.ActionResult) error { return nil }

func (f *fakeCAS) GetTree(_ context.Context, _ *pb.Digest, _ int32, pageToken string) ([]*pb.Directory, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	idx := 0
	if pageToken != "" {
		for i, t := range []string{"", "1"} {
			if t == pageToken {
				idx = i
			}
		}
	}
	if idx >= len(f.pages) {
		return nil, "", nil
	}
	next := ""
	if idx+1 < len(f.pages) {
		next = "1"
	}
	return f.pages[idx], next, nil
}

// fakeCache fetches nothing; it just fabricates a stable path per digest under a temp dir.
type fakeCache struct {
	root string
}

func (f *fakeCache) Put(_ context.Context, digest *pb.Digest, _ bool) (string, error) {
	p := filepath.Join(f.root, digest.Hash)
	if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
		return "", err
	}
	return digest.Hash, nil
}

func (f *fakeCache) Path(key string) string {
	return filepath.Join(f.root, key)
}

func digestOf(t *testing.T, d *pb.Directory) *pb.Digest {
	t.Helper()
	digest, _, err := action.DigestForMessage(d)
	require.NoError(t, err)
	return digest
}

func TestMaterializeFlatFile(t *testing.T) {
	cacheRoot := t.TempDir()
	cache := &fakeCache{root: cacheRoot}

	fileDigest := action.DigestForBytes([]byte("hello"))
	root := &pb.Directory{
		Files: []*pb.FileNode{{Name: "hello.txt", Digest: fileDigest}},
	}
	rootDigest := digestOf(t, root)

	client := &fakeCAS{pages: [][]*pb.Directory{{root}}}
	m := New(client, cache, 1000)

	workRoot := t.TempDir()
	res, err := m.Materialize(context.Background(), workRoot, "op1", rootDigest, &pb.Command{})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(res.ExecDir, "hello.txt"))
	assert.Equal(t, []string{fileDigest.Hash}, res.PinnedKeys)
}

func TestMaterializeNestedDirectory(t *testing.T) {
	cacheRoot := t.TempDir()
	cache := &fakeCache{root: cacheRoot}

	fileDigest := action.DigestForBytes([]byte("world"))
	child := &pb.Directory{
		Files: []*pb.FileNode{{Name: "world.txt", Digest: fileDigest, IsExecutable: true}},
	}
	childDigest := digestOf(t, child)
	root := &pb.Directory{
		Directories: []*pb.DirectoryNode{{Name: "sub", Digest: childDigest}},
	}
	rootDigest := digestOf(t, root)

	client := &fakeCAS{pages: [][]*pb.Directory{{root, child}}}
	m := New(client, cache, 1000)

	workRoot := t.TempDir()
	res, err := m.Materialize(context.Background(), workRoot, "op2", rootDigest, &pb.Command{})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(res.ExecDir, "sub", "world.txt"))
}

func TestMaterializeRejectsOutputDirectories(t *testing.T) {
	cache := &fakeCache{root: t.TempDir()}
	client := &fakeCAS{}
	m := New(client, cache, 1000)

	_, err := m.Materialize(context.Background(), t.TempDir(), "op3", &pb.Digest{Hash: "abc", SizeBytes: 0}, &pb.Command{
		OutputDirectories: []string{"out"},
	})
	assert.ErrorIs(t, err, ErrOutputDirectoriesUnsupported)
}

func TestMaterializeReturnsExecDirOnTreeFetchFailure(t *testing.T) {
	cache := &fakeCache{root: t.TempDir()}
	client := &fakeCAS{err: errors.New("getTree: unavailable")}
	m := New(client, cache, 1000)

	workRoot := t.TempDir()
	res, err := m.Materialize(context.Background(), workRoot, "op5", &pb.Digest{Hash: "abc", SizeBytes: 0}, &pb.Command{})
	require.Error(t, err)
	require.NotNil(t, res)
	// The directory was created before the fetch failed; callers rely on
	// ExecDir being populated here so they can still clean it up.
	assert.DirExists(t, res.ExecDir)
	assert.Equal(t, filepath.Join(workRoot, "op5"), res.ExecDir)
}

func TestMaterializeCreatesOutputFileParents(t *testing.T) {
	cache := &fakeCache{root: t.TempDir()}
	root := &pb.Directory{}
	rootDigest := digestOf(t, root)
	client := &fakeCAS{pages: [][]*pb.Directory{{root}}}
	m := New(client, cache, 1000)

	workRoot := t.TempDir()
	res, err := m.Materialize(context.Background(), workRoot, "op4", rootDigest, &pb.Command{
		OutputFiles: []string{"bin/out.bin"},
	})
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(res.ExecDir, "bin"))
}
