package memd

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReorderSubDocOps(t *testing.T) {
	ops := []SubDocOp{
		{Op: SubDocOpGet, Flags: SubdocFlagXattrPath, Path: []byte("$XTOC")},
		{Op: SubDocOpGet, Path: []byte("foo")},
		{Op: SubDocOpGet, Flags: SubdocFlagXattrPath, Path: []byte("meta.rev")},
		{Op: SubDocOpGet, Path: []byte("bar")},
	}

	reordered := ReorderSubDocOps(ops)

	// xattr entries first, both groups keeping their relative order
	assert.Equal(t, []byte("$XTOC"), reordered[0].Path)
	assert.Equal(t, []byte("meta.rev"), reordered[1].Path)
	assert.Equal(t, []byte("foo"), reordered[2].Path)
	assert.Equal(t, []byte("bar"), reordered[3].Path)
	assert.Equal(t, []int{0, 2, 1, 3}, []int{
		reordered[0].OriginalIndex,
		reordered[1].OriginalIndex,
		reordered[2].OriginalIndex,
		reordered[3].OriginalIndex,
	})

	// input order is untouched
	assert.Equal(t, []byte("$XTOC"), ops[0].Path)
	assert.Equal(t, []byte("foo"), ops[1].Path)
}

func TestEncodeSubDocLookupOps(t *testing.T) {
	value := EncodeSubDocLookupOps([]SubDocOp{
		{Op: SubDocOpGet, Flags: SubdocFlagXattrPath, Path: []byte("meta")},
		{Op: SubDocOpExists, Path: []byte("x")},
	})

	require.Len(t, value, 4+4+4+1)
	assert.Equal(t, uint8(SubDocOpGet), value[0])
	assert.Equal(t, uint8(SubdocFlagXattrPath), value[1])
	assert.Equal(t, uint16(4), binary.BigEndian.Uint16(value[2:]))
	assert.Equal(t, []byte("meta"), value[4:8])
	assert.Equal(t, uint8(SubDocOpExists), value[8])
}

func TestDecodeSubDocLookupResults(t *testing.T) {
	var value []byte
	appendEntry := func(status StatusCode, body string) {
		entry := make([]byte, 6)
		binary.BigEndian.PutUint16(entry[0:], uint16(status))
		binary.BigEndian.PutUint32(entry[2:], uint32(len(body)))
		value = append(value, entry...)
		value = append(value, body...)
	}
	appendEntry(StatusSuccess, `"a"`)
	appendEntry(StatusSubDocPathNotFound, "")

	results, err := DecodeSubDocLookupResults(value, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, []byte(`"a"`), results[0].Value)
	assert.Equal(t, StatusSubDocPathNotFound, results[1].Status)

	_, err = DecodeSubDocLookupResults(value[:3], 1)
	assert.ErrorIs(t, err, ErrInvalidBody)
}

func TestDecodeSubDocMutateResults(t *testing.T) {
	var value []byte

	// counter result for spec 1
	value = append(value, 1)
	value = binary.BigEndian.AppendUint16(value, uint16(StatusSuccess))
	value = binary.BigEndian.AppendUint32(value, 2)
	value = append(value, []byte("42")...)

	// failure for spec 3
	value = append(value, 3)
	value = binary.BigEndian.AppendUint16(value, uint16(StatusSubDocPathExists))

	results, err := DecodeSubDocMutateResults(value)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].OpIndex)
	assert.Equal(t, []byte("42"), results[0].Value)
	assert.Equal(t, 3, results[1].OpIndex)
	assert.Equal(t, StatusSubDocPathExists, results[1].Status)
}
