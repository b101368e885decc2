package executor

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thought-machine/rexec-worker/src/action"
)

// fakeCAS only needs to support PutAllBlobs and GetStreamOutput for these tests.
type fakeCAS struct {
	uploaded [][]byte
	sinks    []*trackingSink
}

// trackingSink records whether it was closed, to verify sinks opened before a
// failed spawn don't leak.
type trackingSink struct {
	closed bool
}

func (s *trackingSink) Write(p []byte) (int, error) { return len(p), nil }
func (s *trackingSink) Close() error                { s.closed = true; return nil }

func (f *fakeCAS) GetBlob(context.Context, *pb.Digest) ([]byte, error) { return nil, nil }
func (f *fakeCAS) NewStreamInput(context.Context, *pb.Digest) (io.ReadCloser, error) {
	return nil, nil
}
func (f *fakeCAS) PutBlob(context.Context, []byte) (*pb.Digest, error) { return nil, nil }
func (f *fakeCAS) PutAllBlobs(_ context.Context, blobs [][]byte) ([]*pb.Digest, error) {
	digests := make([]*pb.Digest, len(blobs))
	for i, b := range blobs {
		f.uploaded = append(f.uploaded, b)
		digests[i] = action.DigestForBytes(b)
	}
	return digests, nil
}
func (f *fakeCAS) GetStreamOutput(context.Context, string) (io.WriteCloser, error) {
	s := &trackingSink{}
	f.sinks = append(f.sinks, s)
	return s, nil
}
func (f *fakeCAS) GetTree(context.Context, *pb.Digest, int32, string) ([]*pb.Directory, string, error) {
	return nil, "", nil
}
func (f *fakeCAS) PutActionResult(context.Context, *pb.Digest, *pb.ActionResult) error { return nil }

func neverInsert() action.CASInsertionControl {
	return action.CASInsertionControl{Limit: 1 << 20, Policy: action.PolicyNeverInsert}
}

func TestExecuteCapturesStdout(t *testing.T) {
	client := &fakeCAS{}
	e := New(client)
	cmd := &pb.Command{Arguments: []string{"/bin/echo", "-n", "hello"}}
	policy := Policy{Stdout: neverInsert(), Stderr: neverInsert(), File: neverInsert()}

	result, err := e.Execute(context.Background(), t.TempDir(), cmd, 0, StreamSinks{}, policy)
	require.NoError(t, err)
	assert.EqualValues(t, 0, result.ExitCode)
	assert.Equal(t, "hello", string(result.StdoutRaw))
}

func TestExecuteNonZeroExit(t *testing.T) {
	client := &fakeCAS{}
	e := New(client)
	cmd := &pb.Command{Arguments: []string{"/bin/sh", "-c", "exit 7"}}
	policy := Policy{Stdout: neverInsert(), Stderr: neverInsert(), File: neverInsert()}

	result, err := e.Execute(context.Background(), t.TempDir(), cmd, 0, StreamSinks{}, policy)
	require.NoError(t, err)
	assert.EqualValues(t, 7, result.ExitCode)
}

func TestExecuteSpawnFailure(t *testing.T) {
	client := &fakeCAS{}
	e := New(client)
	cmd := &pb.Command{Arguments: []string{"/no/such/binary"}}
	policy := Policy{Stdout: neverInsert(), Stderr: neverInsert(), File: neverInsert()}

	result, err := e.Execute(context.Background(), t.TempDir(), cmd, 0, StreamSinks{}, policy)
	require.NoError(t, err)
	assert.EqualValues(t, -1, result.ExitCode)
	assert.Nil(t, result.StdoutRaw)
}

func TestExecuteSpawnFailureClosesStreamSinks(t *testing.T) {
	client := &fakeCAS{}
	e := New(client)
	cmd := &pb.Command{Arguments: []string{"/no/such/binary"}}
	policy := Policy{Stdout: neverInsert(), Stderr: neverInsert(), File: neverInsert()}
	sinks := StreamSinks{StreamStdout: true, StdoutName: "stdout", StreamStderr: true, StderrName: "stderr"}

	result, err := e.Execute(context.Background(), t.TempDir(), cmd, 0, sinks, policy)
	require.NoError(t, err)
	assert.EqualValues(t, -1, result.ExitCode)
	require.Len(t, client.sinks, 2)
	assert.True(t, client.sinks[0].closed)
	assert.True(t, client.sinks[1].closed)
}

func TestExecuteTimeoutForcesTermination(t *testing.T) {
	client := &fakeCAS{}
	e := New(client)
	cmd := &pb.Command{Arguments: []string{"/bin/sh", "-c", "sleep 30"}}
	policy := Policy{Stdout: neverInsert(), Stderr: neverInsert(), File: neverInsert()}

	start := time.Now()
	result, err := e.Execute(context.Background(), t.TempDir(), cmd, 200*time.Millisecond, StreamSinks{}, policy)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.NotEqualValues(t, 0, result.ExitCode)
}

func TestExecutePackagesOutputFiles(t *testing.T) {
	client := &fakeCAS{}
	e := New(client)
	dir := t.TempDir()
	cmd := &pb.Command{
		Arguments:   []string{"/bin/sh", "-c", "printf foo > out.txt"},
		OutputFiles: []string{"out.txt", "missing.txt"},
	}
	policy := Policy{Stdout: neverInsert(), Stderr: neverInsert(), File: neverInsert()}

	result, err := e.Execute(context.Background(), dir, cmd, 0, StreamSinks{}, policy)
	require.NoError(t, err)
	require.Len(t, result.OutputFiles, 1)
	assert.Equal(t, "out.txt", result.OutputFiles[0].Path)
	assert.FileExists(t, filepath.Join(dir, "out.txt"))
}

func TestExecutePackagesOutputFilesInlineOnly(t *testing.T) {
	client := &fakeCAS{}
	e := New(client)
	dir := t.TempDir()
	cmd := &pb.Command{
		Arguments:   []string{"/bin/sh", "-c", "printf foo > out.txt"},
		OutputFiles: []string{"out.txt"},
	}
	policy := Policy{Stdout: neverInsert(), Stderr: neverInsert(), File: neverInsert()}

	result, err := e.Execute(context.Background(), dir, cmd, 0, StreamSinks{}, policy)
	require.NoError(t, err)
	require.Len(t, result.OutputFiles, 1)
	// Never inserted into the CAS, so the content must ride along inline
	// rather than leaving a digest with nothing behind it.
	assert.Empty(t, client.uploaded)
	assert.Equal(t, "foo", string(result.OutputFiles[0].Contents))
	assert.NotNil(t, result.OutputFiles[0].Digest)
}

func TestExecutePackagesOutputFilesWithCASInsertion(t *testing.T) {
	client := &fakeCAS{}
	e := New(client)
	dir := t.TempDir()
	cmd := &pb.Command{
		Arguments:   []string{"/bin/sh", "-c", "printf bar > out.txt"},
		OutputFiles: []string{"out.txt"},
	}
	alwaysInsert := action.CASInsertionControl{Limit: 1 << 20, Policy: action.PolicyAlwaysInsert}
	policy := Policy{Stdout: neverInsert(), Stderr: neverInsert(), File: alwaysInsert}

	result, err := e.Execute(context.Background(), dir, cmd, 0, StreamSinks{}, policy)
	require.NoError(t, err)
	require.Len(t, result.OutputFiles, 1)
	assert.NotNil(t, result.OutputFiles[0].Digest)
	assert.Len(t, client.uploaded, 1)
	assert.Equal(t, "bar", string(client.uploaded[0]))
}

func TestEnviron(t *testing.T) {
	env := environ([]*pb.Command_EnvironmentVariable{
		{Name: "FOO", Value: "bar"},
		{Name: "BAZ", Value: "qux"},
	})
	assert.Equal(t, []string{"FOO=bar", "BAZ=qux"}, env)
}

func TestEmptyStreamsOmitted(t *testing.T) {
	result := &pb.ActionResult{}
	packageStream(result, nil, neverInsert(), true)
	assert.Nil(t, result.StdoutRaw)
	assert.Nil(t, result.StdoutDigest)
}

