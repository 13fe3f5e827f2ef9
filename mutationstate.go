package gocbclient

import "fmt"

// MutationToken is proof of a mutation on one partition, consumable by
// queries to request read-your-writes consistency.
type MutationToken struct {
	VbID       uint16
	VbUUID     uint64
	SeqNo      uint64
	BucketName string
}

// MutationState aggregates tokens from the mutations a caller wants a
// subsequent query to observe.
type MutationState struct {
	tokens []MutationToken
}

// NewMutationState creates a MutationState from a set of tokens.
func NewMutationState(tokens ...MutationToken) *MutationState {
	state := &MutationState{}
	state.Add(tokens...)
	return state
}

// Add records more tokens, keeping only the highest sequence number seen
// per (bucket, partition).
func (state *MutationState) Add(tokens ...MutationToken) {
	for _, token := range tokens {
		if token.BucketName == "" {
			continue
		}

		replaced := false
		for existingIdx, existing := range state.tokens {
			if existing.BucketName == token.BucketName && existing.VbID == token.VbID {
				if token.SeqNo > existing.SeqNo {
					state.tokens[existingIdx] = token
				}
				replaced = true
				break
			}
		}
		if !replaced {
			state.tokens = append(state.tokens, token)
		}
	}
}

// Tokens returns the tokens currently held.
func (state *MutationState) Tokens() []MutationToken {
	return state.tokens
}

// toScanVectors produces the sparse scan_vectors representation the query
// service consumes: bucket → partition id → [seqno, vbuuid].
func (state *MutationState) toScanVectors() map[string]map[string][]interface{} {
	vectors := make(map[string]map[string][]interface{})
	for _, token := range state.tokens {
		bucketVectors, ok := vectors[token.BucketName]
		if !ok {
			bucketVectors = make(map[string][]interface{})
			vectors[token.BucketName] = bucketVectors
		}
		bucketVectors[fmt.Sprintf("%d", token.VbID)] = []interface{}{
			token.SeqNo,
			fmt.Sprintf("%d", token.VbUUID),
		}
	}
	return vectors
}
