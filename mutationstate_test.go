package gocbclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutationStateKeepsHighestSeqNo(t *testing.T) {
	state := NewMutationState(
		MutationToken{BucketName: "b", VbID: 5, VbUUID: 1, SeqNo: 10},
		MutationToken{BucketName: "b", VbID: 5, VbUUID: 1, SeqNo: 7},
		MutationToken{BucketName: "b", VbID: 6, VbUUID: 2, SeqNo: 3},
	)

	tokens := state.Tokens()
	require.Len(t, tokens, 2)
	assert.Equal(t, uint64(10), tokens[0].SeqNo)

	state.Add(MutationToken{BucketName: "b", VbID: 5, VbUUID: 1, SeqNo: 20})
	assert.Equal(t, uint64(20), state.Tokens()[0].SeqNo)

	// tokens with no bucket are meaningless and dropped
	state.Add(MutationToken{VbID: 9, SeqNo: 1})
	assert.Len(t, state.Tokens(), 2)
}

func TestMutationStateScanVectors(t *testing.T) {
	state := NewMutationState(
		MutationToken{BucketName: "default", VbID: 12, VbUUID: 3, SeqNo: 42},
		MutationToken{BucketName: "other", VbID: 1, VbUUID: 4, SeqNo: 2},
	)

	vectors := state.toScanVectors()
	require.Contains(t, vectors, "default")
	require.Contains(t, vectors, "other")

	entry := vectors["default"]["12"]
	require.Len(t, entry, 2)
	assert.Equal(t, uint64(42), entry[0])
	assert.Equal(t, "3", entry[1])
}
