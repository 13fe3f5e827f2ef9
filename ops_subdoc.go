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
	"time"

	"github.com/couchbaselabs/gocbclient/memd"
)

// LookupInRequest reads a set of paths inside one document.
type LookupInRequest struct {
	Key          []byte
	CollectionID uint32
	Vbucket      uint16
	DocFlags     memd.SubdocDocFlag
	Ops          []memd.SubDocOp

	// reordered is populated by Encode: the specs as sent on the wire,
	// xattr entries first, each tagged with its original index.
	reordered []memd.SubDocOp
}

// Encode builds the wire packet.  The server requires xattr specs to
// precede body specs, so the specs are stably reordered; Decode restores
// the caller's order.
func (req *LookupInRequest) Encode() (*memd.Packet, error) {
	req.reordered = memd.ReorderSubDocOps(req.Ops)

	var extras []byte
	if req.DocFlags != 0 {
		extras = []byte{uint8(req.DocFlags)}
	}

	return &memd.Packet{
		Magic:        memd.CmdMagicReq,
		Command:      memd.CmdSubDocMultiLookup,
		Vbucket:      req.Vbucket,
		CollectionID: req.CollectionID,
		Key:          req.Key,
		Extras:       extras,
		Value:        memd.EncodeSubDocLookupOps(req.reordered),
	}, nil
}

// LookupInField is one spec result, in the caller's original spec order.
type LookupInField struct {
	Op     memd.SubDocOpType
	Path   []byte
	Exists bool
	Err    error
	Value  []byte
}

// LookupInResponse is the typed reply of a LookupInRequest.
type LookupInResponse struct {
	Cas    Cas
	Fields []LookupInField
}

func (resp *LookupInResponse) Decode(req *LookupInRequest, pak *memd.Packet) error {
	// a multi-path failure still carries per-field results; anything else
	// non-successful fails the whole operation
	switch pak.Status {
	case memd.StatusSuccess, memd.StatusSubDocSuccessDeleted,
		memd.StatusSubDocBadMulti, memd.StatusSubDocMultiPathFailureDeleted:
	default:
		return kvStatusToError(pak.Status)
	}

	results, err := memd.DecodeSubDocLookupResults(pak.Value, len(req.reordered))
	if err != nil {
		return ErrDecodingFailure
	}

	resp.Cas = Cas(pak.Cas)
	resp.Fields = make([]LookupInField, len(req.reordered))
	for resIdx, result := range results {
		spec := req.reordered[resIdx]
		field := LookupInField{
			Op:     spec.Op,
			Path:   spec.Path,
			Exists: result.Status == memd.StatusSuccess || result.Status == memd.StatusSubDocSuccessDeleted,
			Err:    kvStatusToError(result.Status),
			Value:  result.Value,
		}
		resp.Fields[spec.OriginalIndex] = field
	}
	return nil
}

// MutateInRequest mutates a set of paths inside one document.
type MutateInRequest struct {
	Key          []byte
	CollectionID uint32
	Vbucket      uint16
	Cas          Cas
	Expiry       uint32
	DocFlags     memd.SubdocDocFlag
	Ops          []memd.SubDocOp

	DurabilityLevel   memd.DurabilityLevel
	DurabilityTimeout time.Duration
	PreserveExpiry    bool

	reordered []memd.SubDocOp
}

func (req *MutateInRequest) Encode() (*memd.Packet, error) {
	req.reordered = memd.ReorderSubDocOps(req.Ops)

	var extras []byte
	if req.Expiry != 0 {
		extras = make([]byte, 4)
		extras[0] = uint8(req.Expiry >> 24)
		extras[1] = uint8(req.Expiry >> 16)
		extras[2] = uint8(req.Expiry >> 8)
		extras[3] = uint8(req.Expiry)
	}
	if req.DocFlags != 0 {
		extras = append(extras, uint8(req.DocFlags))
	}

	pak := &memd.Packet{
		Magic:        memd.CmdMagicReq,
		Command:      memd.CmdSubDocMultiMutation,
		Vbucket:      req.Vbucket,
		Cas:          uint64(req.Cas),
		CollectionID: req.CollectionID,
		Key:          req.Key,
		Extras:       extras,
		Value:        memd.EncodeSubDocMutateOps(req.reordered),
	}
	if req.DurabilityLevel > 0 {
		pak.DurabilityLevelFrame = &memd.DurabilityLevelFrame{DurabilityLevel: req.DurabilityLevel}
		if req.DurabilityTimeout > 0 {
			pak.DurabilityTimeoutFrame = &memd.DurabilityTimeoutFrame{DurabilityTimeout: req.DurabilityTimeout}
		}
	}
	if req.PreserveExpiry {
		pak.PreserveExpiryFrame = &memd.PreserveExpiryFrame{}
	}
	return pak, nil
}

// MutateInField is one spec result, in the caller's original spec order.
type MutateInField struct {
	Op    memd.SubDocOpType
	Err   error
	Value []byte
}

// MutateInResponse is the typed reply of a MutateInRequest.
type MutateInResponse struct {
	Cas           Cas
	MutationToken MutationToken
	Fields        []MutateInField
}

func (resp *MutateInResponse) Decode(req *MutateInRequest, pak *memd.Packet) error {
	if pak.Status == memd.StatusSubDocBadMulti {
		// the first failing spec aborts the mutation; surface its status
		// as the error (the failing spec's index is not reported)
		results, err := memd.DecodeSubDocMutateResults(pak.Value)
		if err != nil || len(results) == 0 {
			return ErrDecodingFailure
		}
		failed := results[0]
		if failed.OpIndex >= len(req.reordered) {
			return ErrDecodingFailure
		}
		return kvStatusToError(failed.Status)
	}
	if pak.Status != memd.StatusSuccess && pak.Status != memd.StatusSubDocSuccessDeleted {
		return kvStatusToError(pak.Status)
	}

	results, err := memd.DecodeSubDocMutateResults(pak.Value)
	if err != nil {
		return ErrDecodingFailure
	}

	resp.Cas = Cas(pak.Cas)
	decodeMutationToken(&resp.MutationToken, pak)
	resp.Fields = make([]MutateInField, len(req.reordered))
	for _, spec := range req.reordered {
		resp.Fields[spec.OriginalIndex] = MutateInField{Op: spec.Op}
	}
	for _, result := range results {
		if result.OpIndex >= len(req.reordered) {
			return ErrDecodingFailure
		}
		spec := req.reordered[result.OpIndex]
		resp.Fields[spec.OriginalIndex] = MutateInField{
			Op:    spec.Op,
			Err:   kvStatusToError(result.Status),
			Value: result.Value,
		}
	}
	return nil
}
