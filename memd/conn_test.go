package memd

import (
	"bytes"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	conn := NewConn(&buf)

	reqPak := &Packet{
		Magic:    CmdMagicReq,
		Command:  CmdSet,
		Datatype: uint8(DatatypeFlagJSON),
		Vbucket:  572,
		Opaque:   0xdeadbeef,
		Cas:      0x1122334455667788,
		Key:      []byte("hello"),
		Extras:   []byte{0, 0, 0, 0, 0, 0, 0, 0},
		Value:    []byte(`{"foo":"bar"}`),
	}
	require.NoError(t, conn.WritePacket(reqPak))

	// wire header checks
	wire := buf.Bytes()
	assert.Equal(t, uint8(0x80), wire[0])
	assert.Equal(t, uint8(CmdSet), wire[1])

	readConn := NewConn(&buf)
	pak, n, err := readConn.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, len(wire), n)
	assert.Equal(t, CmdMagicReq, pak.Magic)
	assert.Equal(t, CmdSet, pak.Command)
	assert.Equal(t, uint16(572), pak.Vbucket)
	assert.Equal(t, uint32(0xdeadbeef), pak.Opaque)
	assert.Equal(t, uint64(0x1122334455667788), pak.Cas)
	assert.Equal(t, []byte("hello"), pak.Key)
	assert.Equal(t, reqPak.Value, pak.Value)
}

func TestPacketInvalidMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(make([]byte, 24))

	conn := NewConn(&buf)
	_, _, err := conn.ReadPacket()
	assert.ErrorIs(t, err, ErrInvalidMagic)
}

func TestPacketCollectionID(t *testing.T) {
	var buf bytes.Buffer
	conn := NewConn(&buf)
	conn.EnableFeature(FeatureCollections)

	reqPak := &Packet{
		Magic:        CmdMagicReq,
		Command:      CmdGet,
		Opaque:       1,
		CollectionID: 200,
		Key:          []byte("doc-1"),
	}
	require.NoError(t, conn.WritePacket(reqPak))

	readConn := NewConn(&buf)
	readConn.EnableFeature(FeatureCollections)
	pak, _, err := readConn.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, uint32(200), pak.CollectionID)
	assert.Equal(t, []byte("doc-1"), pak.Key)
}

func TestPacketFramingExtras(t *testing.T) {
	var buf bytes.Buffer
	conn := NewConn(&buf)

	reqPak := &Packet{
		Magic:   CmdMagicReq,
		Command: CmdSet,
		Opaque:  9,
		Key:     []byte("k"),
		DurabilityLevelFrame: &DurabilityLevelFrame{
			DurabilityLevel: DurabilityLevelMajority,
		},
		DurabilityTimeoutFrame: &DurabilityTimeoutFrame{
			DurabilityTimeout: 1500 * time.Millisecond,
		},
		PreserveExpiryFrame: &PreserveExpiryFrame{},
	}
	require.NoError(t, conn.WritePacket(reqPak))

	// alternate request magic must appear on the wire
	assert.Equal(t, uint8(0x08), buf.Bytes()[0])

	readConn := NewConn(&buf)
	pak, _, err := readConn.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, CmdMagicReq, pak.Magic)
	assert.Equal(t, []byte("k"), pak.Key)
	// the client does not reparse request frames into typed fields
	assert.Len(t, pak.UnsupportedFrames, 2)
}

func TestPacketSnappyValue(t *testing.T) {
	body := bytes.Repeat([]byte("compress me "), 64)

	var buf bytes.Buffer
	writeConn := NewConn(&buf)
	require.NoError(t, writeConn.WritePacket(&Packet{
		Magic:    CmdMagicRes,
		Command:  CmdGet,
		Datatype: uint8(DatatypeFlagCompressed),
		Opaque:   4,
		Value:    snappy.Encode(nil, body),
	}))

	readConn := NewConn(&buf)
	readConn.EnableFeature(FeatureSnappy)
	pak, _, err := readConn.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, body, pak.Value)
	assert.Zero(t, pak.Datatype&uint8(DatatypeFlagCompressed))
}

func TestCompressValue(t *testing.T) {
	conn := NewConn(&bytes.Buffer{})
	conn.EnableFeature(FeatureSnappy)

	body := bytes.Repeat([]byte("abcd"), 256)
	datatype, compressed := conn.CompressValue(0, body)
	assert.NotZero(t, datatype&uint8(DatatypeFlagCompressed))
	decoded, err := snappy.Decode(nil, compressed)
	require.NoError(t, err)
	assert.Equal(t, body, decoded)

	// incompressible values pass through untouched
	datatype, raw := conn.CompressValue(0, []byte{1})
	assert.Zero(t, datatype)
	assert.Equal(t, []byte{1}, raw)
}

func TestULEB128(t *testing.T) {
	for _, v := range []uint32{0, 1, 0x7f, 0x80, 200, 0x3fff, 0x4000, 0xffffffff} {
		encoded := appendULEB128_32(nil, v)
		decoded, n, err := decodeULEB128_32(encoded)
		require.NoError(t, err)
		assert.Equal(t, len(encoded), n)
		assert.Equal(t, v, decoded)
	}
}
