// Package executor runs a remote execution Command as a subprocess: it
// replaces the environment wholesale, drains stdout/stderr concurrently into
// both an in-memory buffer and an optional live CAS byte-stream sink,
// enforces a timeout with forced termination, and packages the captured
// streams and output files into an ActionResult according to a
// CASInsertionControl policy.
package executor

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/rexec-worker/src/action"
	"github.com/thought-machine/rexec-worker/src/cas"
)

var log = logging.MustGetLogger("executor")

// reapWait bounds how long a forced termination waits for the process to
// exit before the executor gives up and proceeds anyway.
const reapWait = 100 * time.Millisecond

// StreamSinks names the live byte-stream destinations for a single action's
// stdout/stderr, and whether streaming to them is actually enabled.
type StreamSinks struct {
	StdoutName   string
	StderrName   string
	StreamStdout bool
	StreamStderr bool
}

// Policy bundles the CASInsertionControls that govern how captured output is packaged.
type Policy struct {
	Stdout action.CASInsertionControl
	Stderr action.CASInsertionControl
	File   action.CASInsertionControl
}

// Executor runs one Command at a time on behalf of the lifecycle coordinator.
type Executor struct {
	client cas.CAS
}

// New constructs an Executor that uploads CAS-inserted output via client.
func New(client cas.CAS) *Executor {
	return &Executor{client: client}
}

// Execute runs cmd in dir, waiting up to timeout (zero means no timeout),
// and returns a populated ActionResult. It never returns a non-nil error for
// an ordinary command failure or spawn failure; errors are reserved for
// problems assembling the result (e.g. a CAS upload failing).
func (e *Executor) Execute(ctx context.Context, dir string, cmd *pb.Command, timeout time.Duration, sinks StreamSinks, policy Policy) (*pb.ActionResult, error) {
	execCmd := exec.Command(cmd.Arguments[0], cmd.Arguments[1:]...)
	execCmd.Dir = dir
	execCmd.Env = environ(cmd.EnvironmentVariables)
	execCmd.SysProcAttr = sysProcAttr()
	execCmd.Stdin = nil // closed immediately

	stdoutPipe, err := execCmd.StdoutPipe()
	if err != nil {
		return &pb.ActionResult{ExitCode: -1}, nil
	}
	stderrPipe, err := execCmd.StderrPipe()
	if err != nil {
		return &pb.ActionResult{ExitCode: -1}, nil
	}

	var stdoutSink, stderrSink io.WriteCloser
	if sinks.StreamStdout && sinks.StdoutName != "" {
		if stdoutSink, err = e.client.GetStreamOutput(ctx, sinks.StdoutName); err != nil {
			log.Warning("Failed to open stdout stream sink: %s", err)
			stdoutSink = nil
		}
	}
	if sinks.StreamStderr && sinks.StderrName != "" {
		if stderrSink, err = e.client.GetStreamOutput(ctx, sinks.StderrName); err != nil {
			log.Warning("Failed to open stderr stream sink: %s", err)
			stderrSink = nil
		}
	}

	start := time.Now()
	if err := execCmd.Start(); err != nil {
		log.Debug("Failed to spawn command: %s", err)
		if stdoutSink != nil {
			stdoutSink.Close()
		}
		if stderrSink != nil {
			stderrSink.Close()
		}
		return &pb.ActionResult{ExitCode: -1}, nil
	}

	var stdout, stderr safeBuffer
	stdoutDone := make(chan struct{})
	stderrDone := make(chan struct{})
	go drain(stdoutPipe, &stdout, stdoutSink, stdoutDone)
	go drain(stderrPipe, &stderr, stderrSink, stderrDone)

	waitDone := make(chan struct{})
	go func() { execCmd.Wait(); close(waitDone) }()

	if timeout > 0 {
		remaining := timeout - time.Since(start)
		if remaining < 0 {
			remaining = 0
		}
		select {
		case <-waitDone:
		case <-time.After(remaining):
			terminate(execCmd)
			select {
			case <-waitDone:
			case <-time.After(reapWait):
			}
		}
	} else {
		<-waitDone
	}

	// A reader that hasn't signalled completion by now didn't see its pipe
	// reach EOF (the process may be wedged); force it closed so the drain
	// goroutine unblocks, then join it.
	closeIfNotDone(stdoutPipe, stdoutDone)
	closeIfNotDone(stderrPipe, stderrDone)
	<-stdoutDone
	<-stderrDone

	result := &pb.ActionResult{ExitCode: exitCode(execCmd)}
	stdoutBytes, stderrBytes := stdout.Bytes(), stderr.Bytes()
	packageStream(result, stdoutBytes, policy.Stdout, true)
	packageStream(result, stderrBytes, policy.Stderr, false)
	// packageStream only records digests; upload the blobs they refer to.
	if result.StdoutDigest != nil {
		if _, err := e.client.PutBlob(ctx, stdoutBytes); err != nil {
			return result, err
		}
	}
	if result.StderrDigest != nil {
		if _, err := e.client.PutBlob(ctx, stderrBytes); err != nil {
			return result, err
		}
	}

	if err := e.packageOutputs(ctx, dir, cmd.OutputFiles, policy.File, result); err != nil {
		return result, err
	}
	return result, nil
}

// packageStream applies policy to a captured stream and records it on result.
func packageStream(result *pb.ActionResult, data []byte, policy action.CASInsertionControl, isStdout bool) {
	if len(data) == 0 {
		return
	}
	inline, insert := policy.Decide(int64(len(data)))
	if inline {
		if isStdout {
			result.StdoutRaw = data
		} else {
			result.StderrRaw = data
		}
	}
	if insert {
		digest := action.DigestForBytes(data)
		if isStdout {
			result.StdoutDigest = digest
		} else {
			result.StderrDigest = digest
		}
	}
}

// packageOutputs reads each declared output file that exists, applies policy
// to it, and batches CAS-insertion across all of them in one call.
func (e *Executor) packageOutputs(ctx context.Context, dir string, outputFiles []string, policy action.CASInsertionControl, result *pb.ActionResult) error {
	type pending struct {
		path         string
		data         []byte
		isExecutable bool
		inline       bool
		insert       bool
	}
	var items []pending
	var toUpload [][]byte
	for _, path := range outputFiles {
		full := filepath.Join(dir, path)
		info, err := os.Lstat(full)
		if err != nil {
			continue // non-existent declared outputs are silently skipped
		}
		data, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		inline, insert := policy.Decide(int64(len(data)))
		items = append(items, pending{
			path:         path,
			data:         data,
			isExecutable: info.Mode()&0100 != 0,
			inline:       inline,
			insert:       insert,
		})
		if insert {
			toUpload = append(toUpload, data)
		}
	}
	var digests []*pb.Digest
	if len(toUpload) > 0 {
		var err error
		digests, err = e.client.PutAllBlobs(ctx, toUpload)
		if err != nil {
			return err
		}
	}
	di := 0
	for _, it := range items {
		out := &pb.OutputFile{Path: it.path, IsExecutable: it.isExecutable}
		if it.insert {
			out.Digest = digests[di]
			di++
		}
		if it.inline {
			// Contents carries the bytes directly, so the digest here is only
			// for verification; it's never dereferenced against the CAS.
			out.Digest = action.DigestForBytes(it.data)
			out.Contents = it.data
		}
		result.OutputFiles = append(result.OutputFiles, out)
	}
	return nil
}

// drain copies from r into both buf and, if sink is non-nil, sink, until EOF
// or a read error, then closes done.
func drain(r io.Reader, buf *safeBuffer, sink io.WriteCloser, done chan<- struct{}) {
	defer close(done)
	var w io.Writer = buf
	if sink != nil {
		w = io.MultiWriter(buf, sink)
		defer sink.Close()
	}
	io.Copy(w, r)
}

// closeIfNotDone force-closes a pipe if its drain goroutine hasn't already
// signalled completion, unblocking a Read that's stuck on a wedged process.
func closeIfNotDone(pipe io.Closer, done <-chan struct{}) {
	select {
	case <-done:
	default:
		pipe.Close()
	}
}

// terminate forcibly kills the process group, trying SIGTERM before SIGKILL.
func terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	syscall.Kill(-pid, syscall.SIGTERM)
	time.Sleep(reapWait / 2)
	syscall.Kill(-pid, syscall.SIGKILL)
}

// exitCode extracts the process exit code, or -1 if it's unavailable.
func exitCode(cmd *exec.Cmd) int32 {
	if cmd.ProcessState == nil {
		return -1
	}
	return int32(cmd.ProcessState.ExitCode())
}

// environ flattens a Command's environment variable list, fully replacing
// whatever the worker process itself inherited.
func environ(vars []*pb.Command_EnvironmentVariable) []string {
	env := make([]string, len(vars))
	for i, v := range vars {
		env[i] = v.Name + "=" + v.Value
	}
	return env
}

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// safeBuffer is an io.Writer safe for concurrent use by independent stdout/stderr drainers.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
