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

// LookupInOptions are the options of Bucket.LookupIn.
type LookupInOptions struct {
	Key            string
	ScopeName      string
	CollectionName string
	DocFlags       memd.SubdocDocFlag

	// Ops may mix xattr and body specs in any order; results come back in
	// this order.
	Ops []memd.SubDocOp
}

// LookupInResult is the result of a LookupIn, fields in caller order.
type LookupInResult struct {
	Cas    Cas
	Fields []LookupInField
}

// LookupIn reads a set of paths inside one document.
func (b *Bucket) LookupIn(ctx context.Context, opts LookupInOptions) (*LookupInResult, error) {
	if len(opts.Ops) == 0 {
		return nil, ErrInvalidArgument
	}

	var req *LookupInRequest
	respPak, err := b.dispatchKV(ctx, kvDispatchArgs{
		opName:         "lookup_in",
		key:            []byte(opts.Key),
		scopeName:      opts.ScopeName,
		collectionName: opts.CollectionName,
		idempotent:     true,
		encode: func(vbID uint16, cid uint32) (*memd.Packet, error) {
			req = &LookupInRequest{
				Key:          []byte(opts.Key),
				CollectionID: cid,
				Vbucket:      vbID,
				DocFlags:     opts.DocFlags,
				Ops:          opts.Ops,
			}
			return req.Encode()
		},
	})
	if err != nil {
		return nil, err
	}

	var resp LookupInResponse
	if err := resp.Decode(req, respPak); err != nil {
		return nil, err
	}
	return &LookupInResult{Cas: resp.Cas, Fields: resp.Fields}, nil
}

// MutateInOptions are the options of Bucket.MutateIn.
type MutateInOptions struct {
	Key            string
	ScopeName      string
	CollectionName string
	Cas            Cas
	Expiry         uint32
	DocFlags       memd.SubdocDocFlag
	Ops            []memd.SubDocOp

	DurabilityLevel   memd.DurabilityLevel
	DurabilityTimeout time.Duration
	PreserveExpiry    bool
}

// MutateInResult is the result of a MutateIn, fields in caller order.
type MutateInResult struct {
	Cas           Cas
	MutationToken MutationToken
	Fields        []MutateInField
}

// MutateIn mutates a set of paths inside one document.
func (b *Bucket) MutateIn(ctx context.Context, opts MutateInOptions) (*MutateInResult, error) {
	if len(opts.Ops) == 0 {
		return nil, ErrInvalidArgument
	}

	var req *MutateInRequest
	var vbucket uint16
	respPak, err := b.dispatchKV(ctx, kvDispatchArgs{
		opName:         "mutate_in",
		key:            []byte(opts.Key),
		scopeName:      opts.ScopeName,
		collectionName: opts.CollectionName,
		isMutation:     true,
		idempotent:     opts.Cas != 0,
		encode: func(vbID uint16, cid uint32) (*memd.Packet, error) {
			vbucket = vbID
			req = &MutateInRequest{
				Key:               []byte(opts.Key),
				CollectionID:      cid,
				Vbucket:           vbID,
				Cas:               opts.Cas,
				Expiry:            opts.Expiry,
				DocFlags:          opts.DocFlags,
				Ops:               opts.Ops,
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

	var resp MutateInResponse
	if err := resp.Decode(req, respPak); err != nil {
		return nil, err
	}
	b.fillToken(&resp.MutationToken, vbucket)
	return &MutateInResult{
		Cas:           resp.Cas,
		MutationToken: resp.MutationToken,
		Fields:        resp.Fields,
	}, nil
}
