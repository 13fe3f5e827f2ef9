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
	"errors"
	"io"
	"math"
	"sync"
	"time"

	"github.com/golang/snappy"
)

var (
	// ErrInvalidMagic occurs when a packet starts with an unrecognized magic.
	// The session owning the connection must close it.
	ErrInvalidMagic = errors.New("memd: invalid packet magic")

	// ErrInvalidFrame occurs when the framing extras of a packet cannot be
	// parsed.
	ErrInvalidFrame = errors.New("memd: invalid framing extras")

	// ErrInvalidBody occurs when the lengths in a packet header disagree with
	// the body that follows it.
	ErrInvalidBody = errors.New("memd: invalid packet body")
)

// Conn represents a connection to a memcached server speaking the binary
// protocol.  It owns the feature set negotiated via HELLO; collection-id
// encoding and snappy handling key off it.
type Conn struct {
	reader io.Reader
	writer io.Writer

	writeMu sync.Mutex

	featsMu sync.RWMutex
	feats   map[HelloFeature]bool

	headerBuf [24]byte
}

// NewConn creates a new connection object over the provided stream.
func NewConn(stream io.ReadWriter) *Conn {
	return &Conn{
		reader: stream,
		writer: stream,
		feats:  make(map[HelloFeature]bool),
	}
}

// EnableFeature enables a feature on this connection, altering how packets
// are encoded and decoded from this point forward.
func (c *Conn) EnableFeature(feature HelloFeature) {
	c.featsMu.Lock()
	c.feats[feature] = true
	c.featsMu.Unlock()
}

// IsFeatureEnabled reports whether a particular feature is enabled.
func (c *Conn) IsFeatureEnabled(feature HelloFeature) bool {
	c.featsMu.RLock()
	enabled := c.feats[feature]
	c.featsMu.RUnlock()
	return enabled
}

func (c *Conn) collectionsEnabled() bool {
	return c.IsFeatureEnabled(FeatureCollections)
}

// appendULEB128_32 appends an unsigned LEB128 encoding of v.
func appendULEB128_32(b []byte, v uint32) []byte {
	for {
		d := uint8(v & 0x7f)
		v >>= 7
		if v != 0 {
			d |= 0x80
		}
		b = append(b, d)
		if v == 0 {
			return b
		}
	}
}

// decodeULEB128_32 decodes an unsigned LEB128 value from the front of b and
// returns the value along with the number of bytes consumed.
func decodeULEB128_32(b []byte) (uint32, int, error) {
	var v uint64
	for i := 0; i < len(b); i++ {
		v |= uint64(b[i]&0x7f) << (7 * i)
		if b[i]&0x80 == 0 {
			if v > math.MaxUint32 {
				return 0, 0, ErrInvalidBody
			}
			return uint32(v), i + 1, nil
		}
		if i >= 4 {
			break
		}
	}
	return 0, 0, ErrInvalidBody
}

func isKeyedCommand(cmd CmdCode) bool {
	switch cmd {
	case CmdHello, CmdSASLListMechs, CmdSASLAuth, CmdSASLStep,
		CmdSelectBucket, CmdGetErrorMap, CmdGetClusterConfig,
		CmdCollectionsGetID, CmdCollectionsGetManifest, CmdNoop, CmdStat:
		return false
	}
	return true
}

func (c *Conn) encodeFramingExtras(pak *Packet) ([]byte, error) {
	if !pak.HasFramingExtras() {
		return nil, nil
	}

	var fe []byte
	appendFrameHdr := func(ftype frameType, flen int) {
		if flen < 15 {
			fe = append(fe, uint8(ftype)<<4|uint8(flen))
		} else {
			fe = append(fe, uint8(ftype)<<4|0x0f, uint8(flen-15))
		}
	}

	if pak.BarrierFrame != nil {
		appendFrameHdr(frameTypeReqBarrier, 0)
	}
	if pak.DurabilityLevelFrame != nil {
		if pak.DurabilityTimeoutFrame == nil {
			appendFrameHdr(frameTypeReqSyncDurability, 1)
			fe = append(fe, uint8(pak.DurabilityLevelFrame.DurabilityLevel))
		} else {
			millis := pak.DurabilityTimeoutFrame.DurabilityTimeout / time.Millisecond
			if millis > 65535 {
				millis = 65535
			}
			appendFrameHdr(frameTypeReqSyncDurability, 3)
			fe = append(fe, uint8(pak.DurabilityLevelFrame.DurabilityLevel))
			fe = append(fe, uint8(millis>>8), uint8(millis))
		}
	} else if pak.DurabilityTimeoutFrame != nil {
		// A durability timeout without a level is meaningless.
		return nil, ErrInvalidFrame
	}
	if pak.StreamIDFrame != nil {
		appendFrameHdr(frameTypeReqStreamID, 2)
		fe = append(fe, uint8(pak.StreamIDFrame.StreamID>>8), uint8(pak.StreamIDFrame.StreamID))
	}
	if pak.OpenTracingFrame != nil {
		appendFrameHdr(frameTypeReqOpenTracing, len(pak.OpenTracingFrame.TraceContext))
		fe = append(fe, pak.OpenTracingFrame.TraceContext...)
	}
	if pak.UserImpersonationFrame != nil {
		appendFrameHdr(frameTypeReqImpersonate, len(pak.UserImpersonationFrame.User))
		fe = append(fe, pak.UserImpersonationFrame.User...)
	}
	if pak.PreserveExpiryFrame != nil {
		appendFrameHdr(frameTypeReqPreserveExpiry, 0)
	}
	for _, frame := range pak.UnsupportedFrames {
		appendFrameHdr(frame.Type, len(frame.Data))
		fe = append(fe, frame.Data...)
	}

	return fe, nil
}

// WritePacket writes a packet to the connection.  The entire frame is
// assembled first and written with a single Write call so that writes
// from multiple goroutines never interleave on the wire.
func (c *Conn) WritePacket(pak *Packet) error {
	encodedKey := pak.Key
	if c.collectionsEnabled() && isKeyedCommand(pak.Command) {
		encodedKey = appendULEB128_32(nil, pak.CollectionID)
		encodedKey = append(encodedKey, pak.Key...)
	} else if pak.CollectionID > 0 {
		return ErrInvalidBody
	}

	framingExtras, err := c.encodeFramingExtras(pak)
	if err != nil {
		return err
	}
	if len(framingExtras) > 255 {
		return ErrInvalidFrame
	}

	magic := pak.Magic
	if len(framingExtras) > 0 {
		switch magic {
		case CmdMagicReq:
			magic = cmdMagicReqExt
		case CmdMagicRes:
			magic = cmdMagicResExt
		default:
			return ErrInvalidMagic
		}
	}

	totalBodyLen := len(framingExtras) + len(pak.Extras) + len(encodedKey) + len(pak.Value)

	buf := make([]byte, 24+totalBodyLen)
	buf[0] = uint8(magic)
	buf[1] = uint8(pak.Command)
	if len(framingExtras) > 0 {
		buf[2] = uint8(len(framingExtras))
		buf[3] = uint8(len(encodedKey))
	} else {
		binary.BigEndian.PutUint16(buf[2:], uint16(len(encodedKey)))
	}
	buf[4] = uint8(len(pak.Extras))
	buf[5] = pak.Datatype
	switch pak.Magic {
	case CmdMagicReq:
		binary.BigEndian.PutUint16(buf[6:], pak.Vbucket)
	case CmdMagicRes:
		binary.BigEndian.PutUint16(buf[6:], uint16(pak.Status))
	default:
		return ErrInvalidMagic
	}
	binary.BigEndian.PutUint32(buf[8:], uint32(totalBodyLen))
	binary.BigEndian.PutUint32(buf[12:], pak.Opaque)
	binary.BigEndian.PutUint64(buf[16:], pak.Cas)

	off := 24
	off += copy(buf[off:], framingExtras)
	off += copy(buf[off:], pak.Extras)
	off += copy(buf[off:], encodedKey)
	copy(buf[off:], pak.Value)

	c.writeMu.Lock()
	_, err = c.writer.Write(buf)
	c.writeMu.Unlock()
	return err
}

func (c *Conn) parseFramingExtras(pak *Packet, fe []byte) error {
	for len(fe) > 0 {
		ftype := frameType(fe[0] >> 4)
		flen := int(fe[0] & 0x0f)
		fe = fe[1:]
		if flen == 15 {
			if len(fe) < 1 {
				return ErrInvalidFrame
			}
			flen = 15 + int(fe[0])
			fe = fe[1:]
		}
		if len(fe) < flen {
			return ErrInvalidFrame
		}
		body := fe[:flen]
		fe = fe[flen:]

		if pak.Magic == CmdMagicRes && ftype == frameTypeResSrvDuration {
			if flen != 2 {
				return ErrInvalidFrame
			}
			encoded := uint16(body[0])<<8 | uint16(body[1])
			micros := math.Pow(float64(encoded), 1.74) / 2
			pak.ServerDurationFrame = &ServerDurationFrame{
				ServerDuration: time.Duration(micros) * time.Microsecond,
			}
			continue
		}

		pak.UnsupportedFrames = append(pak.UnsupportedFrames, UnsupportedFrame{
			Type: ftype,
			Data: append([]byte(nil), body...),
		})
	}
	return nil
}

// ReadPacket reads a packet from the connection.  It returns the number of
// bytes consumed alongside the packet.  A body carrying the compressed
// datatype bit is transparently snappy-decompressed when the connection
// negotiated snappy.
func (c *Conn) ReadPacket() (*Packet, int, error) {
	if _, err := io.ReadFull(c.reader, c.headerBuf[:]); err != nil {
		return nil, 0, err
	}

	magic := CmdMagic(c.headerBuf[0])
	var hasFramingExtras bool
	var pakMagic CmdMagic
	switch magic {
	case CmdMagicReq, CmdMagicRes:
		pakMagic = magic
	case cmdMagicReqExt:
		pakMagic = CmdMagicReq
		hasFramingExtras = true
	case cmdMagicResExt:
		pakMagic = CmdMagicRes
		hasFramingExtras = true
	default:
		return nil, 24, ErrInvalidMagic
	}

	pak := &Packet{
		Magic:    pakMagic,
		Command:  CmdCode(c.headerBuf[1]),
		Datatype: c.headerBuf[5],
		Opaque:   binary.BigEndian.Uint32(c.headerBuf[12:]),
		Cas:      binary.BigEndian.Uint64(c.headerBuf[16:]),
	}

	var framingLen, keyLen int
	if hasFramingExtras {
		framingLen = int(c.headerBuf[2])
		keyLen = int(c.headerBuf[3])
	} else {
		keyLen = int(binary.BigEndian.Uint16(c.headerBuf[2:]))
	}
	extrasLen := int(c.headerBuf[4])

	if pakMagic == CmdMagicReq {
		pak.Vbucket = binary.BigEndian.Uint16(c.headerBuf[6:])
	} else {
		pak.Status = StatusCode(binary.BigEndian.Uint16(c.headerBuf[6:]))
	}

	totalBodyLen := int(binary.BigEndian.Uint32(c.headerBuf[8:]))
	if framingLen+extrasLen+keyLen > totalBodyLen {
		return nil, 24, ErrInvalidBody
	}

	body := make([]byte, totalBodyLen)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return nil, 24, err
	}

	off := 0
	if framingLen > 0 {
		if err := c.parseFramingExtras(pak, body[off:off+framingLen]); err != nil {
			return nil, 24 + totalBodyLen, err
		}
		off += framingLen
	}
	pak.Extras = body[off : off+extrasLen]
	off += extrasLen

	key := body[off : off+keyLen]
	off += keyLen
	if c.collectionsEnabled() && keyLen > 0 && isKeyedCommand(pak.Command) {
		cid, n, err := decodeULEB128_32(key)
		if err != nil {
			return nil, 24 + totalBodyLen, err
		}
		pak.CollectionID = cid
		key = key[n:]
	}
	pak.Key = key

	pak.Value = body[off:]
	if pak.Datatype&uint8(DatatypeFlagCompressed) != 0 && c.IsFeatureEnabled(FeatureSnappy) {
		decoded, err := snappy.Decode(nil, pak.Value)
		if err != nil {
			return nil, 24 + totalBodyLen, err
		}
		pak.Value = decoded
		pak.Datatype &^= uint8(DatatypeFlagCompressed)
	}

	return pak, 24 + totalBodyLen, nil
}

// CompressValue snappy-compresses a value for transmission, returning the
// original when compression is disabled or does not help.
func (c *Conn) CompressValue(datatype uint8, value []byte) (uint8, []byte) {
	if !c.IsFeatureEnabled(FeatureSnappy) || datatype&uint8(DatatypeFlagCompressed) != 0 {
		return datatype, value
	}

	compressed := snappy.Encode(nil, value)
	if len(compressed) >= len(value) {
		return datatype, value
	}
	return datatype | uint8(DatatypeFlagCompressed), compressed
}
