// Package action contains the data model shared by the worker's components:
// the digest-addressed Action/Command pair the executor runs, and the
// Operation the lifecycle coordinator publishes back to the operation queue.
package action

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"
)

// DigestForBytes computes the canonical digest of a blob.
func DigestForBytes(b []byte) *pb.Digest {
	sum := sha256.Sum256(b)
	return &pb.Digest{
		Hash:      hex.EncodeToString(sum[:]),
		SizeBytes: int64(len(b)),
	}
}

// DigestForMessage marshals msg and computes its digest, returning both the
// digest and the serialised bytes (the caller usually needs to upload them).
func DigestForMessage(msg proto.Message) (*pb.Digest, []byte, error) {
	b, err := proto.Marshal(msg)
	if err != nil {
		return nil, nil, err
	}
	return DigestForBytes(b), b, nil
}

// A Stage is one point in an Operation's forward-only lifecycle.
type Stage int

// The ordered set of stages an operation passes through. The worker only
// ever advances an operation's stage forward; it never regresses.
const (
	Unknown Stage = iota
	Queued
	Executing
	Completed
)

// String implements fmt.Stringer.
func (s Stage) String() string {
	switch s {
	case Queued:
		return "QUEUED"
	case Executing:
		return "EXECUTING"
	case Completed:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// ToProto converts a Stage to the wire enum used in ExecuteOperationMetadata.
func (s Stage) ToProto() pb.ExecutionStage_Value {
	switch s {
	case Queued:
		return pb.ExecutionStage_QUEUED
	case Executing:
		return pb.ExecutionStage_EXECUTING
	case Completed:
		return pb.ExecutionStage_COMPLETED
	default:
		return pb.ExecutionStage_UNKNOWN
	}
}

// An Operation is the server-side tracking object for an in-flight or
// completed action, as published by this worker.
type Operation struct {
	Name               string
	Stage              Stage
	ActionDigest       *pb.Digest
	StdoutStreamName   string
	StderrStreamName   string
	Done               bool
	Result             *pb.ActionResult
}

// Metadata builds the ExecuteOperationMetadata proto for the operation's current stage.
func (o *Operation) Metadata() *pb.ExecuteOperationMetadata {
	return &pb.ExecuteOperationMetadata{
		Stage:            o.Stage.ToProto(),
		ActionDigest:     o.ActionDigest,
		StdoutStreamName: o.StdoutStreamName,
		StderrStreamName: o.StderrStreamName,
	}
}

// A Policy governs whether captured output is inlined, CAS-inserted, both or neither.
type Policy int

// The insertion policies recognised by a CASInsertionControl.
const (
	PolicyUnknown Policy = iota
	PolicyAlwaysInsert
	PolicyInsertAboveLimit
	PolicyNeverInsert
)

// UnmarshalFlag implements the flags.Unmarshaler interface, used when a
// Policy is read out of a config file.
func (p *Policy) UnmarshalFlag(in string) error {
	switch strings.ToLower(in) {
	case "always_insert", "always":
		*p = PolicyAlwaysInsert
	case "insert_above_limit", "above_limit":
		*p = PolicyInsertAboveLimit
	case "never_insert", "never":
		*p = PolicyNeverInsert
	default:
		return fmt.Errorf("unknown CAS insertion policy %q", in)
	}
	return nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (p *Policy) UnmarshalText(text []byte) error {
	return p.UnmarshalFlag(string(text))
}

// CASInsertionControl decides how a captured stream or output file is packaged
// into an ActionResult: whether its bytes are inlined raw, CAS-inserted with a
// digest recorded, or both, based on its size relative to Limit.
type CASInsertionControl struct {
	Limit  int64
	Policy Policy
}

// Decide reports whether the given size should be inlined raw and/or inserted into the CAS.
func (c CASInsertionControl) Decide(size int64) (inline, insert bool) {
	if size <= c.Limit {
		return true, c.Policy == PolicyAlwaysInsert
	}
	switch c.Policy {
	case PolicyInsertAboveLimit, PolicyAlwaysInsert:
		return false, true
	default:
		return false, false
	}
}
