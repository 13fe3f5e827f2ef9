/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package gocbclient

import (
	"context"
	"time"

	"github.com/couchbaselabs/gocbclient/memd"
)

// GetOptions are the options of Bucket.Get and its replica variant.
type GetOptions struct {
	Key            string
	ScopeName      string
	CollectionName string

	// ReplicaIdx reads from an explicit replica instead of the active node.
	ReplicaIdx int
}

// GetResult is the result of a document retrieval.
type GetResult struct {
	Value    []byte
	Flags    uint32
	Datatype uint8
	Cas      Cas
}

// Get retrieves a document.
func (b *Bucket) Get(ctx context.Context, opts GetOptions) (*GetResult, error) {
	var req *GetRequest
	respPak, err := b.dispatchKV(ctx, kvDispatchArgs{
		opName:         "get",
		key:            []byte(opts.Key),
		scopeName:      opts.ScopeName,
		collectionName: opts.CollectionName,
		replicaIdx:     opts.ReplicaIdx,
		idempotent:     true,
		encode: func(vbID uint16, cid uint32) (*memd.Packet, error) {
			req = &GetRequest{
				Key:          []byte(opts.Key),
				CollectionID: cid,
				Vbucket:      vbID,
				ReplicaIdx:   opts.ReplicaIdx,
			}
			return req.Encode()
		},
	})
	if err != nil {
		return nil, err
	}

	var resp GetResponse
	if err := resp.Decode(respPak); err != nil {
		return nil, err
	}
	return &GetResult{
		Value:    resp.Value,
		Flags:    resp.Flags,
		Datatype: resp.Datatype,
		Cas:      resp.Cas,
	}, nil
}

// GetAndTouchOptions are the options of Bucket.GetAndTouch.
type GetAndTouchOptions struct {
	Key            string
	ScopeName      string
	CollectionName string
	Expiry         uint32
}

// GetAndTouch retrieves a document while updating its expiry.
func (b *Bucket) GetAndTouch(ctx context.Context, opts GetAndTouchOptions) (*GetResult, error) {
	respPak, err := b.dispatchKV(ctx, kvDispatchArgs{
		opName:         "get_and_touch",
		key:            []byte(opts.Key),
		scopeName:      opts.ScopeName,
		collectionName: opts.CollectionName,
		isMutation:     true,
		idempotent:     false,
		encode: func(vbID uint16, cid uint32) (*memd.Packet, error) {
			req := &GetAndTouchRequest{
				Key:          []byte(opts.Key),
				Expiry:       opts.Expiry,
				CollectionID: cid,
				Vbucket:      vbID,
			}
			return req.Encode()
		},
	})
	if err != nil {
		return nil, err
	}

	var resp GetResponse
	if err := resp.Decode(respPak); err != nil {
		return nil, err
	}
	return &GetResult{Value: resp.Value, Flags: resp.Flags, Datatype: resp.Datatype, Cas: resp.Cas}, nil
}

// GetAndLockOptions are the options of Bucket.GetAndLock.
type GetAndLockOptions struct {
	Key            string
	ScopeName      string
	CollectionName string
	LockTime       uint32
}

// GetAndLock retrieves a document and write-locks it.
func (b *Bucket) GetAndLock(ctx context.Context, opts GetAndLockOptions) (*GetResult, error) {
	respPak, err := b.dispatchKV(ctx, kvDispatchArgs{
		opName:         "get_and_lock",
		key:            []byte(opts.Key),
		scopeName:      opts.ScopeName,
		collectionName: opts.CollectionName,
		idempotent:     true,
		encode: func(vbID uint16, cid uint32) (*memd.Packet, error) {
			req := &GetAndLockRequest{
				Key:          []byte(opts.Key),
				LockTime:     opts.LockTime,
				CollectionID: cid,
				Vbucket:      vbID,
			}
			return req.Encode()
		},
	})
	if err != nil {
		return nil, err
	}

	var resp GetResponse
	if err := resp.Decode(respPak); err != nil {
		return nil, err
	}
	return &GetResult{Value: resp.Value, Flags: resp.Flags, Datatype: resp.Datatype, Cas: resp.Cas}, nil
}

// UnlockOptions are the options of Bucket.Unlock.
type UnlockOptions struct {
	Key            string
	ScopeName      string
	CollectionName string
	Cas            Cas
}

// Unlock releases the write-lock held on a document.
func (b *Bucket) Unlock(ctx context.Context, opts UnlockOptions) error {
	if opts.Cas == 0 {
		return ErrInvalidArgument
	}

	respPak, err := b.dispatchKV(ctx, kvDispatchArgs{
		opName:         "unlock",
		key:            []byte(opts.Key),
		scopeName:      opts.ScopeName,
		collectionName: opts.CollectionName,
		isMutation:     true,
		idempotent:     true,
		encode: func(vbID uint16, cid uint32) (*memd.Packet, error) {
			req := &UnlockRequest{
				Key:          []byte(opts.Key),
				Cas:          opts.Cas,
				CollectionID: cid,
				Vbucket:      vbID,
			}
			return req.Encode()
		},
	})
	if err != nil {
		return err
	}

	var resp UnlockResponse
	return resp.Decode(respPak)
}

// TouchOptions are the options of Bucket.Touch.
type TouchOptions struct {
	Key            string
	ScopeName      string
	CollectionName string
	Expiry         uint32
}

// TouchResult is the result of a Touch.
type TouchResult struct {
	Cas Cas
}

// Touch updates the expiry of a document without fetching it.
func (b *Bucket) Touch(ctx context.Context, opts TouchOptions) (*TouchResult, error) {
	respPak, err := b.dispatchKV(ctx, kvDispatchArgs{
		opName:         "touch",
		key:            []byte(opts.Key),
		scopeName:      opts.ScopeName,
		collectionName: opts.CollectionName,
		isMutation:     true,
		idempotent:     false,
		encode: func(vbID uint16, cid uint32) (*memd.Packet, error) {
			req := &TouchRequest{
				Key:          []byte(opts.Key),
				Expiry:       opts.Expiry,
				CollectionID: cid,
				Vbucket:      vbID,
			}
			return req.Encode()
		},
	})
	if err != nil {
		return nil, err
	}

	var resp TouchResponse
	if err := resp.Decode(respPak); err != nil {
		return nil, err
	}
	return &TouchResult{Cas: resp.Cas}, nil
}

// StoreOptions are the options of the full-document mutations.
type StoreOptions struct {
	Key            string
	ScopeName      string
	CollectionName string
	Value          []byte
	Datatype       uint8
	Flags          uint32
	Expiry         uint32
	Cas            Cas

	DurabilityLevel   memd.DurabilityLevel
	DurabilityTimeout time.Duration
	PreserveExpiry    bool
}

// MutationResult is the result of a successful mutation.
type MutationResult struct {
	Cas           Cas
	MutationToken MutationToken
}

func (b *Bucket) store(ctx context.Context, opName string, opcode memd.CmdCode, opts StoreOptions) (*MutationResult, error) {
	var vbucket uint16
	respPak, err := b.dispatchKV(ctx, kvDispatchArgs{
		opName:         opName,
		key:            []byte(opts.Key),
		scopeName:      opts.ScopeName,
		collectionName: opts.CollectionName,
		isMutation:     true,
		// a mutation is only safely repeatable when pinned by a cas
		idempotent: opts.Cas != 0,
		encode: func(vbID uint16, cid uint32) (*memd.Packet, error) {
			vbucket = vbID
			req := &StoreRequest{
				Opcode:            opcode,
				Key:               []byte(opts.Key),
				Value:             opts.Value,
				Datatype:          opts.Datatype,
				Flags:             opts.Flags,
				Expiry:            opts.Expiry,
				Cas:               opts.Cas,
				CollectionID:      cid,
				Vbucket:           vbID,
				DurabilityLevel:   opts.DurabilityLevel,
				DurabilityTimeout: opts.DurabilityTimeout,
				PreserveExpiry:    opts.PreserveExpiry,
			}
			return req.Encode()
		},
	})
	if err != nil {
		return nil, err
	}

	var resp StoreResponse
	if err := resp.Decode(opcode, respPak); err != nil {
		return nil, err
	}
	b.fillToken(&resp.MutationToken, vbucket)
	return &MutationResult{Cas: resp.Cas, MutationToken: resp.MutationToken}, nil
}

// Upsert stores a document, creating or replacing it.
func (b *Bucket) Upsert(ctx context.Context, opts StoreOptions) (*MutationResult, error) {
	if opts.Cas != 0 {
		return nil, ErrInvalidArgument
	}
	return b.store(ctx, "upsert", memd.CmdSet, opts)
}

// Insert stores a document that must not already exist.
func (b *Bucket) Insert(ctx context.Context, opts StoreOptions) (*MutationResult, error) {
	if opts.Cas != 0 {
		return nil, ErrInvalidArgument
	}
	return b.store(ctx, "insert", memd.CmdAdd, opts)
}

// Replace stores a document that must already exist, optionally pinned to
// a cas.
func (b *Bucket) Replace(ctx context.Context, opts StoreOptions) (*MutationResult, error) {
	return b.store(ctx, "replace", memd.CmdReplace, opts)
}

// Append appends bytes to an existing document.
func (b *Bucket) Append(ctx context.Context, opts StoreOptions) (*MutationResult, error) {
	return b.store(ctx, "append", memd.CmdAppend, opts)
}

// Prepend prepends bytes to an existing document.
func (b *Bucket) Prepend(ctx context.Context, opts StoreOptions) (*MutationResult, error) {
	return b.store(ctx, "prepend", memd.CmdPrepend, opts)
}

// RemoveOptions are the options of Bucket.Remove.
type RemoveOptions struct {
	Key            string
	ScopeName      string
	CollectionName string
	Cas            Cas

	DurabilityLevel   memd.DurabilityLevel
	DurabilityTimeout time.Duration
}

// Remove deletes a document.
func (b *Bucket) Remove(ctx context.Context, opts RemoveOptions) (*MutationResult, error) {
	var vbucket uint16
	respPak, err := b.dispatchKV(ctx, kvDispatchArgs{
		opName:         "remove",
		key:            []byte(opts.Key),
		scopeName:      opts.ScopeName,
		collectionName: opts.CollectionName,
		isMutation:     true,
		idempotent:     opts.Cas != 0,
		encode: func(vbID uint16, cid uint32) (*memd.Packet, error) {
			vbucket = vbID
			req := &DeleteRequest{
				Key:               []byte(opts.Key),
				Cas:               opts.Cas,
				CollectionID:      cid,
				Vbucket:           vbID,
				DurabilityLevel:   opts.DurabilityLevel,
				DurabilityTimeout: opts.DurabilityTimeout,
			}
			return req.Encode()
		},
	})
	if err != nil {
		return nil, err
	}

	var resp DeleteResponse
	if err := resp.Decode(respPak); err != nil {
		return nil, err
	}
	b.fillToken(&resp.MutationToken, vbucket)
	return &MutationResult{Cas: resp.Cas, MutationToken: resp.MutationToken}, nil
}

// CounterOptions are the options of Bucket.Increment and Bucket.Decrement.
type CounterOptions struct {
	Key            string
	ScopeName      string
	CollectionName string
	Delta          uint64
	Initial        uint64
	Expiry         uint32

	DurabilityLevel   memd.DurabilityLevel
	DurabilityTimeout time.Duration
}

// CounterResult is the result of a counter adjustment.
type CounterResult struct {
	Value         uint64
	Cas           Cas
	MutationToken MutationToken
}

func (b *Bucket) counter(ctx context.Context, opName string, opcode memd.CmdCode, opts CounterOptions) (*CounterResult, error) {
	var vbucket uint16
	respPak, err := b.dispatchKV(ctx, kvDispatchArgs{
		opName:         opName,
		key:            []byte(opts.Key),
		scopeName:      opts.ScopeName,
		collectionName: opts.CollectionName,
		isMutation:     true,
		idempotent:     false,
		encode: func(vbID uint16, cid uint32) (*memd.Packet, error) {
			vbucket = vbID
			req := &CounterRequest{
				Opcode:            opcode,
				Key:               []byte(opts.Key),
				Delta:             opts.Delta,
				Initial:           opts.Initial,
				Expiry:            opts.Expiry,
				CollectionID:      cid,
				Vbucket:           vbID,
				DurabilityLevel:   opts.DurabilityLevel,
				DurabilityTimeout: opts.DurabilityTimeout,
			}
			return req.Encode()
		},
	})
	if err != nil {
		return nil, err
	}

	var resp CounterResponse
	if err := resp.Decode(respPak); err != nil {
		return nil, err
	}
	b.fillToken(&resp.MutationToken, vbucket)
	return &CounterResult{Value: resp.Value, Cas: resp.Cas, MutationToken: resp.MutationToken}, nil
}

// Increment atomically increases a numeric document.
func (b *Bucket) Increment(ctx context.Context, opts CounterOptions) (*CounterResult, error) {
	return b.counter(ctx, "increment", memd.CmdIncrement, opts)
}

// Decrement atomically decreases a numeric document.
func (b *Bucket) Decrement(ctx context.Context, opts CounterOptions) (*CounterResult, error) {
	return b.counter(ctx, "decrement", memd.CmdDecrement, opts)
}
