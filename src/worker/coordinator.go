// Package worker implements the top-level driver that matches operations
// from the queue, materializes their inputs, runs them, and publishes their
// results, along with the liveness poller that keeps the queue informed of
// which worker owns an in-flight operation.
package worker

import (
	"context"
	"fmt"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"
	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/rexec-worker/src/action"
	"github.com/thought-machine/rexec-worker/src/cas"
	"github.com/thought-machine/rexec-worker/src/executor"
	"github.com/thought-machine/rexec-worker/src/filecache"
	"github.com/thought-machine/rexec-worker/src/fs"
	"github.com/thought-machine/rexec-worker/src/materializer"
)

var log = logging.MustGetLogger("worker")

// Config holds everything the Coordinator needs besides its collaborators.
type Config struct {
	Root             string
	Platform         *pb.Platform
	RequeueOnFailure bool
	PollPeriod       time.Duration
	TreePageSize     int32
	StreamStdout     bool
	StreamStderr     bool
	Policy           executor.Policy
}

// Coordinator drives one action end to end: matched -> QUEUED -> (materialize)
// -> EXECUTING -> (run) -> COMPLETED, with unconditional cleanup on every path.
type Coordinator struct {
	client       cas.CAS
	queue        cas.Queue
	cache        *filecache.Cache
	materializer *materializer.Materializer
	executor     *executor.Executor
	config       Config
}

// New constructs a Coordinator. cache must already have had Start called on it.
func New(client cas.CAS, queue cas.Queue, cache *filecache.Cache, config Config) *Coordinator {
	return &Coordinator{
		client:       client,
		queue:        queue,
		cache:        cache,
		materializer: materializer.New(client, cache, config.TreePageSize),
		executor:     executor.New(client),
		config:       config,
	}
}

// RunForever matches and runs operations until the queue connection fails.
func (c *Coordinator) RunForever(ctx context.Context) error {
	for {
		if err := c.queue.Match(ctx, c.config.Platform, c.config.RequeueOnFailure, c.handle); err != nil {
			return fmt.Errorf("failed to match operation: %w", err)
		}
	}
}

// handle runs one matched operation through the full lifecycle. Its return
// value tells the queue whether the worker handled the operation
// successfully, which governs requeue-on-failure.
func (c *Coordinator) handle(op *action.Operation) bool {
	ctx := context.Background()
	log.Notice("Handling operation %s", op.Name)

	op.Stage = action.Queued
	poller := StartPoller(c.queue, op.Name, action.Queued, c.config.PollPeriod)
	var execDir string
	var pinnedKeys []string
	defer func() {
		poller.Stop()
		if execDir != "" {
			if err := fs.RemoveAll(execDir); err != nil {
				log.Warning("Failed to clean up execution directory %s: %s", execDir, err)
			}
		}
		if pinnedKeys != nil {
			c.cache.Update(pinnedKeys)
		}
	}()

	actionProto, cmdProto, err := c.fetchAction(ctx, op.ActionDigest)
	if err != nil {
		log.Error("Failed to fetch action %s: %s", op.ActionDigest.Hash, err)
		return false
	}

	result, err := c.materializer.Materialize(ctx, c.config.Root, op.Name, actionProto.InputRootDigest, cmdProto)
	if result != nil {
		execDir = result.ExecDir
		pinnedKeys = result.PinnedKeys
	}
	if err != nil {
		log.Error("Failed to materialize inputs for %s: %s", op.Name, err)
		return false
	}

	op.Stage = action.Executing
	owned, err := c.queue.PutOperation(ctx, op)
	if err != nil {
		log.Error("Failed to publish EXECUTING for %s: %s", op.Name, err)
		return false
	}
	if !owned {
		log.Warning("Lost ownership of %s before execution started", op.Name)
		return false
	}
	poller.Stop()
	poller = StartPoller(c.queue, op.Name, action.Executing, c.config.PollPeriod)

	sinks := executor.StreamSinks{
		StdoutName:   op.StdoutStreamName,
		StderrName:   op.StderrStreamName,
		StreamStdout: c.config.StreamStdout,
		StreamStderr: c.config.StreamStderr,
	}
	timeout := actionProto.Timeout.AsDuration()
	actionResult, err := c.executor.Execute(ctx, execDir, cmdProto, timeout, sinks, c.config.Policy)
	if err != nil {
		log.Error("Failed to execute %s: %s", op.Name, err)
		return false
	}

	if !actionProto.DoNotCache {
		if err := c.client.PutActionResult(ctx, op.ActionDigest, actionResult); err != nil {
			log.Warning("Failed to record action result for %s: %s", op.Name, err)
		}
	}

	poller.Stop()
	op.Stage = action.Completed
	op.Done = true
	op.Result = actionResult
	if _, err := c.queue.PutOperation(ctx, op); err != nil {
		log.Error("Failed to publish COMPLETED for %s: %s", op.Name, err)
		return false
	}
	log.Notice("Completed operation %s with exit code %d", op.Name, actionResult.ExitCode)
	return true
}

// fetchAction resolves an action digest into its Action and Command protos.
func (c *Coordinator) fetchAction(ctx context.Context, digest *pb.Digest) (*pb.Action, *pb.Command, error) {
	actionBytes, err := c.client.GetBlob(ctx, digest)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch action: %w", err)
	}
	a := &pb.Action{}
	if err := proto.Unmarshal(actionBytes, a); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal action: %w", err)
	}
	cmdBytes, err := c.client.GetBlob(ctx, a.CommandDigest)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch command: %w", err)
	}
	cmd := &pb.Command{}
	if err := proto.Unmarshal(cmdBytes, cmd); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal command: %w", err)
	}
	return a, cmd, nil
}
