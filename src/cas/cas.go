// Package cas defines the worker's view of its upstream collaborators: the
// content-addressed storage / execution RPC surface and the operation queue.
// Both are expressed purely as interfaces; the worker never inspects the
// concrete transport. A gRPC-backed implementation of CAS lives alongside in
// grpc_client.go.
package cas

import (
	"context"
	"io"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/thought-machine/rexec-worker/src/action"
)

// CAS is the subset of the remote execution API the worker consumes to fetch
// inputs and publish results. It is the "CAS Client" component; production
// code talks to a real service, tests hand the worker an in-memory fake.
type CAS interface {
	// GetBlob fetches a single blob by digest in its entirety.
	GetBlob(ctx context.Context, digest *pb.Digest) ([]byte, error)
	// NewStreamInput opens a reader for a blob's content, for use when writing
	// it straight to disk without holding the whole thing in memory.
	NewStreamInput(ctx context.Context, digest *pb.Digest) (io.ReadCloser, error)
	// PutBlob uploads a single blob and returns its digest.
	PutBlob(ctx context.Context, data []byte) (*pb.Digest, error)
	// PutAllBlobs uploads a batch of blobs in one call.
	PutAllBlobs(ctx context.Context, blobs [][]byte) ([]*pb.Digest, error)
	// GetStreamOutput opens a sink that live-forwards process output to the server.
	GetStreamOutput(ctx context.Context, name string) (io.WriteCloser, error)
	// GetTree pages through the Directory messages rooted at rootDigest. An
	// empty returned page token means the caller has seen the whole tree.
	GetTree(ctx context.Context, rootDigest *pb.Digest, pageSize int32, pageToken string) (dirs []*pb.Directory, nextPageToken string, err error)
	// PutActionResult records the result of a non-`do_not_cache` action.
	PutActionResult(ctx context.Context, actionDigest *pb.Digest, result *pb.ActionResult) error
}

// Queue is the operation queue protocol the worker speaks: match a unit of
// work, then report stage transitions and liveness for it until it completes.
type Queue interface {
	// Match blocks until the server dispatches one operation, then invokes
	// handler with it. handler's return value tells the server whether the
	// worker handled the operation successfully (used to decide requeueing
	// on failure when requeueOnFailure is set). One call processes exactly one
	// operation: Match returns nil once handler has run, and a non-nil error
	// only on a transport-level failure.
	Match(ctx context.Context, platform *pb.Platform, requeueOnFailure bool, handler func(*action.Operation) bool) error
	// PutOperation publishes an updated operation. The returned bool is false
	// when the server has lost interest in the operation (e.g. it has
	// already been requeued to another worker), in which case the caller
	// must abort rather than continue processing it.
	PutOperation(ctx context.Context, op *action.Operation) (bool, error)
	// PollOperation asserts liveness for the named operation at the given
	// stage. A false return means the server no longer considers this
	// worker the owner and the caller should stop working on it.
	PollOperation(ctx context.Context, name string, stage action.Stage) (bool, error)
}
