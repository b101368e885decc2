package action

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDigestForBytes(t *testing.T) {
	d1 := DigestForBytes([]byte("hello"))
	d2 := DigestForBytes([]byte("hello"))
	assert.Equal(t, d1.Hash, d2.Hash)
	assert.EqualValues(t, 5, d1.SizeBytes)

	empty := DigestForBytes(nil)
	assert.EqualValues(t, 0, empty.SizeBytes)
	assert.NotEqual(t, d1.Hash, empty.Hash)
}

func TestStageString(t *testing.T) {
	assert.Equal(t, "QUEUED", Queued.String())
	assert.Equal(t, "EXECUTING", Executing.String())
	assert.Equal(t, "COMPLETED", Completed.String())
	assert.Equal(t, "UNKNOWN", Unknown.String())
}

func TestCASInsertionControlDecide(t *testing.T) {
	c := CASInsertionControl{Limit: 10, Policy: PolicyNeverInsert}
	inline, insert := c.Decide(10)
	assert.True(t, inline)
	assert.False(t, insert)

	inline, insert = c.Decide(11)
	assert.False(t, inline)
	assert.False(t, insert)

	c.Policy = PolicyInsertAboveLimit
	inline, insert = c.Decide(11)
	assert.False(t, inline)
	assert.True(t, insert)

	c.Policy = PolicyAlwaysInsert
	inline, insert = c.Decide(10)
	assert.True(t, inline)
	assert.True(t, insert)

	inline, insert = c.Decide(11)
	assert.False(t, inline)
	assert.True(t, insert)
}
