package queue

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thought-machine/rexec-worker/src/action"
)

func drop(t *testing.T, dir, name string, d descriptor) {
	data, err := json.Marshal(d)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".op"), data, 0644))
}

func TestMatchClaimsAndDispatchesOneOperation(t *testing.T) {
	dir := t.TempDir()
	drop(t, dir, "op1", descriptor{Name: "op1", ActionDigestHash: "deadbeef", ActionDigestSize: 4})
	q := New(dir)

	var handled *action.Operation
	err := q.Match(context.Background(), nil, false, func(op *action.Operation) bool {
		handled = op
		return true
	})
	require.NoError(t, err)
	require.NotNil(t, handled)
	assert.Equal(t, "op1", handled.Name)
	assert.Equal(t, "deadbeef", handled.ActionDigest.Hash)
	assert.FileExists(t, filepath.Join(dir, "op1.owner"))
}

func TestMatchSkipsAlreadyClaimedOperations(t *testing.T) {
	dir := t.TempDir()
	drop(t, dir, "op1", descriptor{Name: "op1"})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "op1.owner"), []byte("someone-else"), 0644))
	drop(t, dir, "op2", descriptor{Name: "op2"})

	q := New(dir)
	var handled *action.Operation
	err := q.Match(context.Background(), nil, false, func(op *action.Operation) bool {
		handled = op
		return true
	})
	require.NoError(t, err)
	require.NotNil(t, handled)
	assert.Equal(t, "op2", handled.Name)
}

func TestMatchRespectsContextCancellation(t *testing.T) {
	dir := t.TempDir()
	q := New(dir)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := q.Match(ctx, nil, false, func(*action.Operation) bool { return true })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPutOperationFailsIfOwnershipLost(t *testing.T) {
	dir := t.TempDir()
	drop(t, dir, "op1", descriptor{Name: "op1"})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "op1.owner"), []byte("someone-else"), 0644))

	q := New(dir)
	op := &action.Operation{Name: "op1", Stage: action.Executing}
	owned, err := q.PutOperation(context.Background(), op)
	require.NoError(t, err)
	assert.False(t, owned)
}

func TestPutOperationAndPollRoundTrip(t *testing.T) {
	dir := t.TempDir()
	drop(t, dir, "op1", descriptor{Name: "op1"})
	q := New(dir)

	var claimed *action.Operation
	require.NoError(t, q.Match(context.Background(), nil, false, func(op *action.Operation) bool {
		claimed = op
		return true
	}))

	claimed.Stage = action.Executing
	owned, err := q.PutOperation(context.Background(), claimed)
	require.NoError(t, err)
	assert.True(t, owned)

	owned, err = q.PollOperation(context.Background(), claimed.Name, action.Executing)
	require.NoError(t, err)
	assert.True(t, owned)

	data, err := os.ReadFile(filepath.Join(dir, "op1.status"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"stage":2`)
}
