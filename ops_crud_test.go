package gocbclient

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/couchbaselabs/gocbclient/memd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetRequestEncode(t *testing.T) {
	req := &GetRequest{Key: []byte("doc-1"), CollectionID: 8, Vbucket: 42}
	pak, err := req.Encode()
	require.NoError(t, err)
	assert.Equal(t, memd.CmdGet, pak.Command)
	assert.Equal(t, uint16(42), pak.Vbucket)
	assert.Equal(t, uint32(8), pak.CollectionID)
	assert.Empty(t, pak.Extras)

	req.ReplicaIdx = 1
	pak, err = req.Encode()
	require.NoError(t, err)
	assert.Equal(t, memd.CmdGetReplica, pak.Command)
}

func TestGetResponseDecode(t *testing.T) {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, 2018)

	var resp GetResponse
	err := resp.Decode(&memd.Packet{
		Magic:   memd.CmdMagicRes,
		Command: memd.CmdGet,
		Status:  memd.StatusSuccess,
		Cas:     31337,
		Extras:  extras,
		Value:   []byte(`{"v":1}`),
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(2018), resp.Flags)
	assert.Equal(t, Cas(31337), resp.Cas)
	assert.Equal(t, []byte(`{"v":1}`), resp.Value)

	err = resp.Decode(&memd.Packet{Status: memd.StatusKeyNotFound})
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestStoreRequestEncode(t *testing.T) {
	req := &StoreRequest{
		Opcode:  memd.CmdSet,
		Key:     []byte("doc-1"),
		Value:   []byte(`{}`),
		Flags:   0xdead,
		Expiry:  300,
		Cas:     7,
		Vbucket: 11,
	}
	pak, err := req.Encode()
	require.NoError(t, err)
	require.Len(t, pak.Extras, 8)
	assert.Equal(t, uint32(0xdead), binary.BigEndian.Uint32(pak.Extras[0:]))
	assert.Equal(t, uint32(300), binary.BigEndian.Uint32(pak.Extras[4:]))
	assert.Equal(t, uint64(7), pak.Cas)
	assert.Nil(t, pak.DurabilityLevelFrame)

	// adjoins carry no extras
	req.Opcode = memd.CmdAppend
	pak, err = req.Encode()
	require.NoError(t, err)
	assert.Empty(t, pak.Extras)

	req.Opcode = memd.CmdGet
	_, err = req.Encode()
	assert.ErrorIs(t, err, ErrEncodingFailure)
}

func TestStoreRequestDurabilityFrames(t *testing.T) {
	req := &StoreRequest{
		Opcode:            memd.CmdSet,
		Key:               []byte("k"),
		DurabilityLevel:   memd.DurabilityLevelMajority,
		DurabilityTimeout: 1500 * time.Millisecond,
		PreserveExpiry:    true,
	}
	pak, err := req.Encode()
	require.NoError(t, err)
	require.NotNil(t, pak.DurabilityLevelFrame)
	assert.Equal(t, memd.DurabilityLevelMajority, pak.DurabilityLevelFrame.DurabilityLevel)
	require.NotNil(t, pak.DurabilityTimeoutFrame)
	assert.NotNil(t, pak.PreserveExpiryFrame)
	assert.True(t, pak.HasFramingExtras())
}

func TestStoreResponseDecode(t *testing.T) {
	var resp StoreResponse
	err := resp.Decode(memd.CmdSet, &memd.Packet{
		Status: memd.StatusSuccess,
		Cas:    55,
		Extras: mutationExtras(42, 9),
	})
	require.NoError(t, err)
	assert.Equal(t, Cas(55), resp.Cas)
	assert.Equal(t, uint64(42), resp.MutationToken.VbUUID)
	assert.Equal(t, uint64(9), resp.MutationToken.SeqNo)

	err = resp.Decode(memd.CmdAdd, &memd.Packet{Status: memd.StatusKeyExists})
	assert.ErrorIs(t, err, ErrDocumentExists)

	err = resp.Decode(memd.CmdReplace, &memd.Packet{Status: memd.StatusKeyExists})
	assert.ErrorIs(t, err, ErrCasMismatch)

	err = resp.Decode(memd.CmdReplace, &memd.Packet{Status: memd.StatusKeyNotFound})
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestCounterRoundTrip(t *testing.T) {
	req := &CounterRequest{
		Opcode:  memd.CmdIncrement,
		Key:     []byte("counter"),
		Delta:   5,
		Initial: 100,
		Expiry:  60,
	}
	pak, err := req.Encode()
	require.NoError(t, err)
	require.Len(t, pak.Extras, 20)
	assert.Equal(t, uint64(5), binary.BigEndian.Uint64(pak.Extras[0:]))
	assert.Equal(t, uint64(100), binary.BigEndian.Uint64(pak.Extras[8:]))
	assert.Equal(t, uint32(60), binary.BigEndian.Uint32(pak.Extras[16:]))

	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, 105)
	var resp CounterResponse
	err = resp.Decode(&memd.Packet{Status: memd.StatusSuccess, Cas: 3, Value: value})
	require.NoError(t, err)
	assert.Equal(t, uint64(105), resp.Value)

	req.Opcode = memd.CmdGet
	_, err = req.Encode()
	assert.ErrorIs(t, err, ErrEncodingFailure)
}

func TestTouchAndLockEncode(t *testing.T) {
	touchPak, err := (&TouchRequest{Key: []byte("k"), Expiry: 99}).Encode()
	require.NoError(t, err)
	assert.Equal(t, memd.CmdTouch, touchPak.Command)
	assert.Equal(t, uint32(99), binary.BigEndian.Uint32(touchPak.Extras))

	gatPak, err := (&GetAndTouchRequest{Key: []byte("k"), Expiry: 30}).Encode()
	require.NoError(t, err)
	assert.Equal(t, memd.CmdGAT, gatPak.Command)

	lockPak, err := (&GetAndLockRequest{Key: []byte("k"), LockTime: 15}).Encode()
	require.NoError(t, err)
	assert.Equal(t, memd.CmdGetLocked, lockPak.Command)
	assert.Equal(t, uint32(15), binary.BigEndian.Uint32(lockPak.Extras))

	unlockPak, err := (&UnlockRequest{Key: []byte("k"), Cas: 88}).Encode()
	require.NoError(t, err)
	assert.Equal(t, memd.CmdUnlockKey, unlockPak.Command)
	assert.Equal(t, uint64(88), unlockPak.Cas)
}

func TestKVStatusMapping(t *testing.T) {
	assert.NoError(t, kvStatusToError(memd.StatusSuccess))
	assert.ErrorIs(t, kvStatusToError(memd.StatusKeyNotFound), ErrDocumentNotFound)
	assert.ErrorIs(t, kvStatusToError(memd.StatusKeyExists), ErrCasMismatch)
	assert.ErrorIs(t, kvStatusToError(memd.StatusLocked), ErrDocumentLocked)
	assert.ErrorIs(t, kvStatusToError(memd.StatusTooBig), ErrValueTooLarge)
	assert.ErrorIs(t, kvStatusToError(memd.StatusTmpFail), ErrTemporaryFailure)
	assert.ErrorIs(t, kvStatusToError(memd.StatusAuthError), ErrAuthenticationFailure)
	assert.ErrorIs(t, kvStatusToError(memd.StatusSubDocPathNotFound), ErrPathNotFound)
	assert.ErrorIs(t, kvStatusToError(memd.StatusSyncWriteAmbiguous), ErrDurabilityAmbiguous)
	assert.ErrorIs(t, kvStatusToError(memd.StatusRateLimitedMaxCommands), ErrRateLimited)
	// unknown statuses fall back to the internal class
	assert.ErrorIs(t, kvStatusToError(memd.StatusCode(0x7777)), ErrInternalServerFailure)
}

func TestKeyValueErrorWrapping(t *testing.T) {
	err := &KeyValueError{
		InnerError: ErrDocumentNotFound,
		StatusCode: memd.StatusKeyNotFound,
		BucketName: "default",
		Key:        "doc-1",
		Opaque:     12,
	}
	assert.ErrorIs(t, err, ErrDocumentNotFound)
	assert.Contains(t, err.Error(), "doc-1")
	assert.Contains(t, err.Error(), "default")
}
