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
	"encoding/binary"
	"time"

	"github.com/couchbaselabs/gocbclient/memd"
)

// Cas represents the version of a document at a point in time.
type Cas uint64

// The operation layer is free of I/O.  Every operation is a request struct
// that encodes itself into a wire packet and a response struct that decodes
// the reply, surfacing one error from the uniform namespace.

// GetRequest retrieves a document.
type GetRequest struct {
	Key          []byte
	CollectionID uint32
	Vbucket      uint16

	// ReplicaIdx selects an explicit replica instead of the active node.
	ReplicaIdx int
}

func (req *GetRequest) Encode() (*memd.Packet, error) {
	cmd := memd.CmdGet
	if req.ReplicaIdx > 0 {
		cmd = memd.CmdGetReplica
	}
	return &memd.Packet{
		Magic:        memd.CmdMagicReq,
		Command:      cmd,
		Vbucket:      req.Vbucket,
		CollectionID: req.CollectionID,
		Key:          req.Key,
	}, nil
}

// GetResponse is the typed reply of a GetRequest.
type GetResponse struct {
	Value    []byte
	Flags    uint32
	Datatype uint8
	Cas      Cas
}

func (resp *GetResponse) Decode(pak *memd.Packet) error {
	if err := kvStatusToError(pak.Status); err != nil {
		return err
	}
	if len(pak.Extras) != 4 {
		return ErrDecodingFailure
	}
	resp.Flags = binary.BigEndian.Uint32(pak.Extras)
	resp.Value = pak.Value
	resp.Datatype = pak.Datatype
	resp.Cas = Cas(pak.Cas)
	return nil
}

// StoreRequest mutates a full document.  Opcode selects between set, add,
// replace, append and prepend semantics.
type StoreRequest struct {
	Opcode       memd.CmdCode
	Key          []byte
	Value        []byte
	Datatype     uint8
	Flags        uint32
	Expiry       uint32
	Cas          Cas
	CollectionID uint32
	Vbucket      uint16

	DurabilityLevel   memd.DurabilityLevel
	DurabilityTimeout time.Duration
	PreserveExpiry    bool
}

func (req *StoreRequest) Encode() (*memd.Packet, error) {
	pak := &memd.Packet{
		Magic:        memd.CmdMagicReq,
		Command:      req.Opcode,
		Datatype:     req.Datatype,
		Vbucket:      req.Vbucket,
		Cas:          uint64(req.Cas),
		CollectionID: req.CollectionID,
		Key:          req.Key,
		Value:        req.Value,
	}

	switch req.Opcode {
	case memd.CmdSet, memd.CmdAdd, memd.CmdReplace:
		extras := make([]byte, 8)
		binary.BigEndian.PutUint32(extras[0:], req.Flags)
		binary.BigEndian.PutUint32(extras[4:], req.Expiry)
		pak.Extras = extras
	case memd.CmdAppend, memd.CmdPrepend:
		// adjoin operations carry no extras
	default:
		return nil, ErrEncodingFailure
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

// StoreResponse is the typed reply of a StoreRequest.
type StoreResponse struct {
	Cas           Cas
	MutationToken MutationToken
}

func (resp *StoreResponse) Decode(opcode memd.CmdCode, pak *memd.Packet) error {
	if err := kvStatusToError(pak.Status); err != nil {
		// add rejects existing documents with key-exists; surface the
		// document class rather than a cas conflict
		if opcode == memd.CmdAdd && pak.Status == memd.StatusKeyExists {
			return ErrDocumentExists
		}
		if opcode == memd.CmdReplace && pak.Status == memd.StatusKeyNotFound {
			return ErrDocumentNotFound
		}
		return err
	}
	resp.Cas = Cas(pak.Cas)
	decodeMutationToken(&resp.MutationToken, pak)
	return nil
}

func decodeMutationToken(token *MutationToken, pak *memd.Packet) {
	if len(pak.Extras) != 16 {
		return
	}
	token.VbUUID = binary.BigEndian.Uint64(pak.Extras[0:])
	token.SeqNo = binary.BigEndian.Uint64(pak.Extras[8:])
}

// DeleteRequest removes a document.
type DeleteRequest struct {
	Key          []byte
	Cas          Cas
	CollectionID uint32
	Vbucket      uint16

	DurabilityLevel   memd.DurabilityLevel
	DurabilityTimeout time.Duration
}

func (req *DeleteRequest) Encode() (*memd.Packet, error) {
	pak := &memd.Packet{
		Magic:        memd.CmdMagicReq,
		Command:      memd.CmdDelete,
		Vbucket:      req.Vbucket,
		Cas:          uint64(req.Cas),
		CollectionID: req.CollectionID,
		Key:          req.Key,
	}
	if req.DurabilityLevel > 0 {
		pak.DurabilityLevelFrame = &memd.DurabilityLevelFrame{DurabilityLevel: req.DurabilityLevel}
		if req.DurabilityTimeout > 0 {
			pak.DurabilityTimeoutFrame = &memd.DurabilityTimeoutFrame{DurabilityTimeout: req.DurabilityTimeout}
		}
	}
	return pak, nil
}

// DeleteResponse is the typed reply of a DeleteRequest.
type DeleteResponse struct {
	Cas           Cas
	MutationToken MutationToken
}

func (resp *DeleteResponse) Decode(pak *memd.Packet) error {
	if err := kvStatusToError(pak.Status); err != nil {
		return err
	}
	resp.Cas = Cas(pak.Cas)
	decodeMutationToken(&resp.MutationToken, pak)
	return nil
}

// TouchRequest updates the expiry of a document.
type TouchRequest struct {
	Key          []byte
	Expiry       uint32
	CollectionID uint32
	Vbucket      uint16
}

func (req *TouchRequest) Encode() (*memd.Packet, error) {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, req.Expiry)
	return &memd.Packet{
		Magic:        memd.CmdMagicReq,
		Command:      memd.CmdTouch,
		Vbucket:      req.Vbucket,
		CollectionID: req.CollectionID,
		Key:          req.Key,
		Extras:       extras,
	}, nil
}

// TouchResponse is the typed reply of a TouchRequest.
type TouchResponse struct {
	Cas Cas
}

func (resp *TouchResponse) Decode(pak *memd.Packet) error {
	if err := kvStatusToError(pak.Status); err != nil {
		return err
	}
	resp.Cas = Cas(pak.Cas)
	return nil
}

// GetAndTouchRequest retrieves a document while updating its expiry.
type GetAndTouchRequest struct {
	Key          []byte
	Expiry       uint32
	CollectionID uint32
	Vbucket      uint16
}

func (req *GetAndTouchRequest) Encode() (*memd.Packet, error) {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, req.Expiry)
	return &memd.Packet{
		Magic:        memd.CmdMagicReq,
		Command:      memd.CmdGAT,
		Vbucket:      req.Vbucket,
		CollectionID: req.CollectionID,
		Key:          req.Key,
		Extras:       extras,
	}, nil
}

// GetAndLockRequest retrieves a document and write-locks it.
type GetAndLockRequest struct {
	Key          []byte
	LockTime     uint32
	CollectionID uint32
	Vbucket      uint16
}

func (req *GetAndLockRequest) Encode() (*memd.Packet, error) {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, req.LockTime)
	return &memd.Packet{
		Magic:        memd.CmdMagicReq,
		Command:      memd.CmdGetLocked,
		Vbucket:      req.Vbucket,
		CollectionID: req.CollectionID,
		Key:          req.Key,
		Extras:       extras,
	}, nil
}

// UnlockRequest releases the write-lock held on a document.
type UnlockRequest struct {
	Key          []byte
	Cas          Cas
	CollectionID uint32
	Vbucket      uint16
}

func (req *UnlockRequest) Encode() (*memd.Packet, error) {
	return &memd.Packet{
		Magic:        memd.CmdMagicReq,
		Command:      memd.CmdUnlockKey,
		Vbucket:      req.Vbucket,
		Cas:          uint64(req.Cas),
		CollectionID: req.CollectionID,
		Key:          req.Key,
	}, nil
}

// UnlockResponse is the typed reply of an UnlockRequest.
type UnlockResponse struct {
	Cas Cas
}

func (resp *UnlockResponse) Decode(pak *memd.Packet) error {
	if err := kvStatusToError(pak.Status); err != nil {
		return err
	}
	resp.Cas = Cas(pak.Cas)
	return nil
}

// CounterRequest atomically adjusts a numeric document.
type CounterRequest struct {
	Opcode       memd.CmdCode // CmdIncrement or CmdDecrement
	Key          []byte
	Delta        uint64
	Initial      uint64
	Expiry       uint32
	CollectionID uint32
	Vbucket      uint16

	DurabilityLevel   memd.DurabilityLevel
	DurabilityTimeout time.Duration
}

func (req *CounterRequest) Encode() (*memd.Packet, error) {
	if req.Opcode != memd.CmdIncrement && req.Opcode != memd.CmdDecrement {
		return nil, ErrEncodingFailure
	}

	extras := make([]byte, 20)
	binary.BigEndian.PutUint64(extras[0:], req.Delta)
	binary.BigEndian.PutUint64(extras[8:], req.Initial)
	binary.BigEndian.PutUint32(extras[16:], req.Expiry)

	pak := &memd.Packet{
		Magic:        memd.CmdMagicReq,
		Command:      req.Opcode,
		Vbucket:      req.Vbucket,
		CollectionID: req.CollectionID,
		Key:          req.Key,
		Extras:       extras,
	}
	if req.DurabilityLevel > 0 {
		pak.DurabilityLevelFrame = &memd.DurabilityLevelFrame{DurabilityLevel: req.DurabilityLevel}
		if req.DurabilityTimeout > 0 {
			pak.DurabilityTimeoutFrame = &memd.DurabilityTimeoutFrame{DurabilityTimeout: req.DurabilityTimeout}
		}
	}
	return pak, nil
}

// CounterResponse is the typed reply of a CounterRequest.
type CounterResponse struct {
	Value         uint64
	Cas           Cas
	MutationToken MutationToken
}

func (resp *CounterResponse) Decode(pak *memd.Packet) error {
	if err := kvStatusToError(pak.Status); err != nil {
		return err
	}
	if len(pak.Value) != 8 {
		return ErrDecodingFailure
	}
	resp.Value = binary.BigEndian.Uint64(pak.Value)
	resp.Cas = Cas(pak.Cas)
	decodeMutationToken(&resp.MutationToken, pak)
	return nil
}
