/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package memd

import (
	"encoding/binary"
	"sort"
)

// SubDocOpType specifies the type of a sub-document operation.
type SubDocOpType uint8

const (
	SubDocOpGet            = SubDocOpType(CmdSubDocGet)
	SubDocOpExists         = SubDocOpType(CmdSubDocExists)
	SubDocOpGetCount       = SubDocOpType(CmdSubDocGetCount)
	SubDocOpDictAdd        = SubDocOpType(CmdSubDocDictAdd)
	SubDocOpDictSet        = SubDocOpType(CmdSubDocDictSet)
	SubDocOpDelete         = SubDocOpType(CmdSubDocDelete)
	SubDocOpReplace        = SubDocOpType(CmdSubDocReplace)
	SubDocOpArrayPushLast  = SubDocOpType(CmdSubDocArrayPushLast)
	SubDocOpArrayPushFirst = SubDocOpType(CmdSubDocArrayPushFirst)
	SubDocOpArrayInsert    = SubDocOpType(CmdSubDocArrayInsert)
	SubDocOpArrayAddUnique = SubDocOpType(CmdSubDocArrayAddUnique)
	SubDocOpCounter        = SubDocOpType(CmdSubDocCounter)

	// SubDocOpGetDoc represents a full document retrieval, for use with
	// extended attribute ops.
	SubDocOpGetDoc = SubDocOpType(CmdGet)

	// SubDocOpSetDoc represents a full document set, for use with extended
	// attribute ops.
	SubDocOpSetDoc = SubDocOpType(CmdSet)
)

// SubdocFlag specifies flags for a single sub-document spec.
type SubdocFlag uint8

const (
	SubdocFlagNone          = SubdocFlag(0x00)
	SubdocFlagMkDirP        = SubdocFlag(0x01)
	SubdocFlagXattrPath     = SubdocFlag(0x04)
	SubdocFlagExpandMacros  = SubdocFlag(0x10)
)

// SubdocDocFlag specifies document-level flags for a sub-document operation.
type SubdocDocFlag uint8

const (
	SubdocDocFlagNone            = SubdocDocFlag(0x00)
	SubdocDocFlagMkDoc           = SubdocDocFlag(0x01)
	SubdocDocFlagAddDoc          = SubdocDocFlag(0x02)
	SubdocDocFlagAccessDeleted   = SubdocDocFlag(0x04)
	SubdocDocFlagCreateAsDeleted = SubdocDocFlag(0x08)
)

// SubDocOp is a single wire-level spec entry within a multi lookup or multi
// mutation request.  OriginalIndex tags the caller's ordering so a decoder
// can restore it after the xattr-first reorder.
type SubDocOp struct {
	Op            SubDocOpType
	Flags         SubdocFlag
	Path          []byte
	Value         []byte
	OriginalIndex int
}

// ReorderSubDocOps stably reorders specs so that all xattr-flagged entries
// precede body entries, as the server requires, stamping each entry with its
// original index first.  The input slice is not modified.
func ReorderSubDocOps(ops []SubDocOp) []SubDocOp {
	reordered := make([]SubDocOp, len(ops))
	copy(reordered, ops)
	for i := range reordered {
		reordered[i].OriginalIndex = i
	}
	sort.SliceStable(reordered, func(i, j int) bool {
		return (reordered[i].Flags&SubdocFlagXattrPath) > (reordered[j].Flags&SubdocFlagXattrPath)
	})
	return reordered
}

// EncodeSubDocLookupOps encodes lookup spec entries into a request value.
// Lookup entries carry no value bytes.
func EncodeSubDocLookupOps(ops []SubDocOp) []byte {
	var value []byte
	for _, op := range ops {
		entry := make([]byte, 4)
		entry[0] = uint8(op.Op)
		entry[1] = uint8(op.Flags)
		binary.BigEndian.PutUint16(entry[2:], uint16(len(op.Path)))
		value = append(value, entry...)
		value = append(value, op.Path...)
	}
	return value
}

// EncodeSubDocMutateOps encodes mutation spec entries into a request value.
func EncodeSubDocMutateOps(ops []SubDocOp) []byte {
	var value []byte
	for _, op := range ops {
		entry := make([]byte, 8)
		entry[0] = uint8(op.Op)
		entry[1] = uint8(op.Flags)
		binary.BigEndian.PutUint16(entry[2:], uint16(len(op.Path)))
		binary.BigEndian.PutUint32(entry[4:], uint32(len(op.Value)))
		value = append(value, entry...)
		value = append(value, op.Path...)
		value = append(value, op.Value...)
	}
	return value
}

// SubDocResult is a single wire-level result entry of a multi lookup or
// multi mutation response, in server order.
type SubDocResult struct {
	OpIndex int
	Status  StatusCode
	Value   []byte
}

// DecodeSubDocLookupResults decodes the value of a multi lookup response.
// The server replies with one entry per spec, in request order.
func DecodeSubDocLookupResults(value []byte, numOps int) ([]SubDocResult, error) {
	results := make([]SubDocResult, 0, numOps)
	for opIdx := 0; opIdx < numOps; opIdx++ {
		if len(value) < 6 {
			return nil, ErrInvalidBody
		}
		status := StatusCode(binary.BigEndian.Uint16(value[0:]))
		valueLen := int(binary.BigEndian.Uint32(value[2:]))
		if len(value) < 6+valueLen {
			return nil, ErrInvalidBody
		}
		results = append(results, SubDocResult{
			OpIndex: opIdx,
			Status:  status,
			Value:   value[6 : 6+valueLen],
		})
		value = value[6+valueLen:]
	}
	return results, nil
}

// DecodeSubDocMutateResults decodes the value of a multi mutation response.
// The server only replies entries for specs that produced a value or an
// error; each is prefixed with the index of the spec it belongs to.
func DecodeSubDocMutateResults(value []byte) ([]SubDocResult, error) {
	var results []SubDocResult
	for len(value) > 0 {
		if len(value) < 3 {
			return nil, ErrInvalidBody
		}
		opIdx := int(value[0])
		status := StatusCode(binary.BigEndian.Uint16(value[1:]))

		result := SubDocResult{
			OpIndex: opIdx,
			Status:  status,
		}
		value = value[3:]

		if status == StatusSuccess {
			if len(value) < 4 {
				return nil, ErrInvalidBody
			}
			valueLen := int(binary.BigEndian.Uint32(value[0:]))
			if len(value) < 4+valueLen {
				return nil, ErrInvalidBody
			}
			result.Value = value[4 : 4+valueLen]
			value = value[4+valueLen:]
		}

		results = append(results, result)
	}
	return results, nil
}
