package cas

import (
	"context"
	"fmt"
	"io"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	grpc_retry "github.com/grpc-ecosystem/go-grpc-middleware/retry"
	"github.com/google/uuid"
	bs "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/rexec-worker/src/action"
)

var log = logging.MustGetLogger("cas")

// dialTimeout bounds the initial connection attempt to the CAS server.
const dialTimeout = 5 * time.Second

// reqTimeout bounds a single unary RPC once connected.
const reqTimeout = 2 * time.Minute

// maxRetries is how many times a unary RPC is retried on transient failure.
const maxRetries = 3

// chunkSize is the size of a chunk sent or received over the ByteStream APIs.
const chunkSize = 128 * 1024

// GRPCClient is a CAS implementation that talks the Bazel remote execution v2
// protocol over gRPC.
type GRPCClient struct {
	instance      string
	storageClient pb.ContentAddressableStorageClient
	acClient      pb.ActionCacheClient
	bsClient      bs.ByteStreamClient
}

// NewGRPCClient dials target and returns a CAS client for the given instance name.
func NewGRPCClient(target, instance string) (*GRPCClient, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	conn, err := grpc.DialContext(ctx, target,
		grpc.WithInsecure(),
		grpc.WithBlock(),
		grpc.WithUnaryInterceptor(grpc_retry.UnaryClientInterceptor(grpc_retry.WithMax(maxRetries))),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial CAS server %s: %w", target, err)
	}
	return &GRPCClient{
		instance:      instance,
		storageClient: pb.NewContentAddressableStorageClient(conn),
		acClient:      pb.NewActionCacheClient(conn),
		bsClient:      bs.NewByteStreamClient(conn),
	}, nil
}

// GetBlob implements CAS.
func (c *GRPCClient) GetBlob(ctx context.Context, digest *pb.Digest) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, reqTimeout)
	defer cancel()
	resp, err := c.storageClient.BatchReadBlobs(ctx, &pb.BatchReadBlobsRequest{
		InstanceName: c.instance,
		Digests:      []*pb.Digest{digest},
	})
	if err != nil {
		return nil, err
	}
	for _, r := range resp.Responses {
		if r.Digest.Hash == digest.Hash {
			return r.Data, nil
		}
	}
	return nil, fmt.Errorf("blob %s not returned by server", digest.Hash)
}

// NewStreamInput implements CAS.
func (c *GRPCClient) NewStreamInput(ctx context.Context, digest *pb.Digest) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)
	stream, err := c.bsClient.Read(ctx, &bs.ReadRequest{
		ResourceName: c.downloadResourceName(digest),
	})
	if err != nil {
		cancel()
		return nil, err
	}
	return &byteStreamReader{stream: stream, cancel: cancel, digest: digest}, nil
}

// PutBlob implements CAS.
func (c *GRPCClient) PutBlob(ctx context.Context, data []byte) (*pb.Digest, error) {
	digests, err := c.PutAllBlobs(ctx, [][]byte{data})
	if err != nil {
		return nil, err
	}
	return digests[0], nil
}

// PutAllBlobs implements CAS.
func (c *GRPCClient) PutAllBlobs(ctx context.Context, blobs [][]byte) ([]*pb.Digest, error) {
	ctx, cancel := context.WithTimeout(ctx, reqTimeout)
	defer cancel()
	req := &pb.BatchUpdateBlobsRequest{InstanceName: c.instance}
	digests := make([]*pb.Digest, len(blobs))
	for i, b := range blobs {
		digest := action.DigestForBytes(b)
		digests[i] = digest
		if len(b) > chunkSize {
			if err := c.storeByteStream(ctx, digest, b); err != nil {
				return nil, err
			}
			continue
		}
		req.Requests = append(req.Requests, &pb.BatchUpdateBlobsRequest_Request{
			Digest: digest,
			Data:   b,
		})
	}
	if len(req.Requests) == 0 {
		return digests, nil
	}
	resp, err := c.storageClient.BatchUpdateBlobs(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, r := range resp.Responses {
		if r.Status != nil && r.Status.Code != 0 {
			return nil, fmt.Errorf("failed to upload blob %s: %s", r.Digest.Hash, r.Status.Message)
		}
	}
	return digests, nil
}

// storeByteStream uploads a single blob over the ByteStream Write RPC in chunkSize pieces.
func (c *GRPCClient) storeByteStream(ctx context.Context, digest *pb.Digest, data []byte) error {
	name := c.uploadResourceName(digest)
	stream, err := c.bsClient.Write(ctx)
	if err != nil {
		return err
	}
	offset := 0
	for offset < len(data) {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := stream.Send(&bs.WriteRequest{
			ResourceName: name,
			WriteOffset:  int64(offset),
			Data:         data[offset:end],
		}); err != nil {
			return err
		}
		offset = end
	}
	if err := stream.Send(&bs.WriteRequest{ResourceName: name, FinishWrite: true, WriteOffset: int64(offset)}); err != nil {
		return err
	}
	_, err = stream.CloseAndRecv()
	return err
}

// GetStreamOutput implements CAS.
func (c *GRPCClient) GetStreamOutput(ctx context.Context, name string) (io.WriteCloser, error) {
	stream, err := c.bsClient.Write(ctx)
	if err != nil {
		return nil, err
	}
	resourceName := name
	if c.instance != "" {
		resourceName = c.instance + "/" + name
	}
	return &byteStreamWriter{stream: stream, resourceName: resourceName}, nil
}

// GetTree implements CAS.
func (c *GRPCClient) GetTree(ctx context.Context, rootDigest *pb.Digest, pageSize int32, pageToken string) ([]*pb.Directory, string, error) {
	ctx, cancel := context.WithTimeout(ctx, reqTimeout)
	defer cancel()
	stream, err := c.storageClient.GetTree(ctx, &pb.GetTreeRequest{
		InstanceName: c.instance,
		RootDigest:   rootDigest,
		PageSize:     pageSize,
		PageToken:    pageToken,
	})
	if err != nil {
		return nil, "", err
	}
	var dirs []*pb.Directory
	var next string
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, "", err
		}
		dirs = append(dirs, resp.Directories...)
		next = resp.NextPageToken
	}
	return dirs, next, nil
}

// PutActionResult implements CAS.
func (c *GRPCClient) PutActionResult(ctx context.Context, actionDigest *pb.Digest, result *pb.ActionResult) error {
	ctx, cancel := context.WithTimeout(ctx, reqTimeout)
	defer cancel()
	_, err := c.acClient.UpdateActionResult(ctx, &pb.UpdateActionResultRequest{
		InstanceName: c.instance,
		ActionDigest: actionDigest,
		ActionResult: result,
	})
	return err
}

func (c *GRPCClient) downloadResourceName(digest *pb.Digest) string {
	name := fmt.Sprintf("blobs/%s/%d", digest.Hash, digest.SizeBytes)
	if c.instance != "" {
		name = c.instance + "/" + name
	}
	return name
}

func (c *GRPCClient) uploadResourceName(digest *pb.Digest) string {
	u, _ := uuid.NewRandom()
	name := fmt.Sprintf("uploads/%s/blobs/%s/%d", u, digest.Hash, digest.SizeBytes)
	if c.instance != "" {
		name = c.instance + "/" + name
	}
	return name
}

// byteStreamReader adapts a ByteStream Read stream to an io.ReadCloser.
type byteStreamReader struct {
	stream bs.ByteStream_ReadClient
	cancel func()
	buf    []byte
	eof    bool
	digest *pb.Digest
}

// Read implements io.Reader.
func (r *byteStreamReader) Read(into []byte) (int, error) {
	for len(into) > len(r.buf) && !r.eof {
		resp, err := r.stream.Recv()
		if err == io.EOF {
			r.eof = true
			break
		} else if err != nil {
			log.Debug("Error downloading blob %s/%d: %s", r.digest.Hash, r.digest.SizeBytes, err)
			return 0, err
		}
		r.buf = append(r.buf, resp.Data...)
	}
	n := copy(into, r.buf)
	r.buf = r.buf[n:]
	if n == 0 && r.eof {
		return 0, io.EOF
	}
	return n, nil
}

// Close implements io.Closer.
func (r *byteStreamReader) Close() error {
	r.cancel()
	return nil
}

// byteStreamWriter adapts a ByteStream Write stream to an io.WriteCloser.
type byteStreamWriter struct {
	stream       bs.ByteStream_WriteClient
	resourceName string
	offset       int64
}

// Write implements io.Writer, chunking large writes to respect chunkSize.
func (w *byteStreamWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > chunkSize {
			n = chunkSize
		}
		if err := w.stream.Send(&bs.WriteRequest{
			ResourceName: w.resourceName,
			WriteOffset:  w.offset,
			Data:         p[:n],
		}); err != nil {
			return total, err
		}
		w.offset += int64(n)
		total += n
		p = p[n:]
	}
	return total, nil
}

// Close implements io.Closer, finalising the write.
func (w *byteStreamWriter) Close() error {
	if err := w.stream.Send(&bs.WriteRequest{ResourceName: w.resourceName, FinishWrite: true, WriteOffset: w.offset}); err != nil {
		return err
	}
	_, err := w.stream.CloseAndRecv()
	return err
}
