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
	"fmt"
	"time"
)

// BarrierFrame is a barrier request frame, blocking out-of-order execution
// of the command it is attached to.
type BarrierFrame struct {
	// Barrier frames carry no body.
}

// DurabilityLevelFrame carries the durability requirements of a mutation.
type DurabilityLevelFrame struct {
	DurabilityLevel DurabilityLevel
}

// DurabilityTimeoutFrame carries the timeout for the durability requirements
// of a mutation.  It must accompany a DurabilityLevelFrame.
type DurabilityTimeoutFrame struct {
	DurabilityTimeout time.Duration
}

// StreamIDFrame carries the stream identifier of a DCP packet.
type StreamIDFrame struct {
	StreamID uint16
}

// OpenTracingFrame carries tracing context for the server to correlate.
type OpenTracingFrame struct {
	TraceContext []byte
}

// ServerDurationFrame carries the server-measured execution duration of a
// response.
type ServerDurationFrame struct {
	ServerDuration time.Duration
}

// UserImpersonationFrame carries the user a command should execute on
// behalf of.
type UserImpersonationFrame struct {
	User []byte
}

// PreserveExpiryFrame indicates the mutation should keep the existing expiry
// of the document.
type PreserveExpiryFrame struct {
	// Preserve-expiry frames carry no body.
}

// UnsupportedFrame is any frame the protocol parser does not understand.
// It is preserved so callers can inspect it.
type UnsupportedFrame struct {
	Type frameType
	Data []byte
}

// Packet represents a single packet of the memcached binary protocol.
type Packet struct {
	Magic        CmdMagic
	Command      CmdCode
	Datatype     uint8
	Status       StatusCode
	Vbucket      uint16
	Opaque       uint32
	Cas          uint64
	CollectionID uint32
	Key          []byte
	Extras       []byte
	Value        []byte

	BarrierFrame           *BarrierFrame
	DurabilityLevelFrame   *DurabilityLevelFrame
	DurabilityTimeoutFrame *DurabilityTimeoutFrame
	StreamIDFrame          *StreamIDFrame
	OpenTracingFrame       *OpenTracingFrame
	ServerDurationFrame    *ServerDurationFrame
	UserImpersonationFrame *UserImpersonationFrame
	PreserveExpiryFrame    *PreserveExpiryFrame
	UnsupportedFrames      []UnsupportedFrame
}

// HasFramingExtras reports whether any framing-extras frame is attached,
// which forces the alternate packet magic on the wire.
func (pak *Packet) HasFramingExtras() bool {
	return pak.BarrierFrame != nil ||
		pak.DurabilityLevelFrame != nil ||
		pak.DurabilityTimeoutFrame != nil ||
		pak.StreamIDFrame != nil ||
		pak.OpenTracingFrame != nil ||
		pak.ServerDurationFrame != nil ||
		pak.UserImpersonationFrame != nil ||
		pak.PreserveExpiryFrame != nil ||
		len(pak.UnsupportedFrames) > 0
}

// String returns a debug representation of this packet.
func (pak *Packet) String() string {
	return fmt.Sprintf(
		"memd.Packet{Magic:%02x, Command:%02x, Datatype:%02x, Status:%04x, Vbucket:%d, Opaque:%08x, Cas:%016x, CollectionID:%d, KeyLen:%d, ExtrasLen:%d, ValueLen:%d}",
		uint8(pak.Magic), uint8(pak.Command), pak.Datatype, uint16(pak.Status),
		pak.Vbucket, pak.Opaque, pak.Cas, pak.CollectionID,
		len(pak.Key), len(pak.Extras), len(pak.Value))
}
