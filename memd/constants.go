/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package memd

// CmdMagic represents the magic number that begins the header of every packet.
type CmdMagic uint8

const (
	// CmdMagicReq is the magic for a plain request packet.
	CmdMagicReq = CmdMagic(0x80)

	// CmdMagicRes is the magic for a plain response packet.
	CmdMagicRes = CmdMagic(0x81)

	// cmdMagicReqExt is the magic for a request packet carrying framing extras.
	cmdMagicReqExt = CmdMagic(0x08)

	// cmdMagicResExt is the magic for a response packet carrying framing extras.
	cmdMagicResExt = CmdMagic(0x18)
)

// CmdCode represents the command opcode within a packet header.
type CmdCode uint8

const (
	CmdGet                  = CmdCode(0x00)
	CmdSet                  = CmdCode(0x01)
	CmdAdd                  = CmdCode(0x02)
	CmdReplace              = CmdCode(0x03)
	CmdDelete               = CmdCode(0x04)
	CmdIncrement            = CmdCode(0x05)
	CmdDecrement            = CmdCode(0x06)
	CmdNoop                 = CmdCode(0x0a)
	CmdAppend               = CmdCode(0x0e)
	CmdPrepend              = CmdCode(0x0f)
	CmdStat                 = CmdCode(0x10)
	CmdTouch                = CmdCode(0x1c)
	CmdGAT                  = CmdCode(0x1d)
	CmdHello                = CmdCode(0x1f)
	CmdSASLListMechs        = CmdCode(0x20)
	CmdSASLAuth             = CmdCode(0x21)
	CmdSASLStep             = CmdCode(0x22)
	CmdGetAllVBSeqnos       = CmdCode(0x48)
	CmdGetReplica           = CmdCode(0x83)
	CmdSelectBucket         = CmdCode(0x89)
	CmdObserveSeqNo         = CmdCode(0x91)
	CmdObserve              = CmdCode(0x92)
	CmdGetLocked            = CmdCode(0x94)
	CmdUnlockKey            = CmdCode(0x95)
	CmdGetMeta              = CmdCode(0xa0)
	CmdGetClusterConfig     = CmdCode(0xb5)
	CmdGetRandom            = CmdCode(0xb6)
	CmdCollectionsGetManifest = CmdCode(0xba)
	CmdCollectionsGetID     = CmdCode(0xbb)
	CmdSubDocGet            = CmdCode(0xc5)
	CmdSubDocExists         = CmdCode(0xc6)
	CmdSubDocDictAdd        = CmdCode(0xc7)
	CmdSubDocDictSet        = CmdCode(0xc8)
	CmdSubDocDelete         = CmdCode(0xc9)
	CmdSubDocReplace        = CmdCode(0xca)
	CmdSubDocArrayPushLast  = CmdCode(0xcb)
	CmdSubDocArrayPushFirst = CmdCode(0xcc)
	CmdSubDocArrayInsert    = CmdCode(0xcd)
	CmdSubDocArrayAddUnique = CmdCode(0xce)
	CmdSubDocCounter        = CmdCode(0xcf)
	CmdSubDocMultiLookup    = CmdCode(0xd0)
	CmdSubDocMultiMutation  = CmdCode(0xd1)
	CmdSubDocGetCount       = CmdCode(0xd2)
	CmdGetErrorMap          = CmdCode(0xfe)
)

// StatusCode represents the status field of a response packet.
type StatusCode uint16

const (
	StatusSuccess        = StatusCode(0x00)
	StatusKeyNotFound    = StatusCode(0x01)
	StatusKeyExists      = StatusCode(0x02)
	StatusTooBig         = StatusCode(0x03)
	StatusInvalidArgs    = StatusCode(0x04)
	StatusNotStored      = StatusCode(0x05)
	StatusBadDelta       = StatusCode(0x06)
	StatusNotMyVBucket   = StatusCode(0x07)
	StatusNoBucket       = StatusCode(0x08)
	StatusLocked         = StatusCode(0x09)
	StatusAuthStale      = StatusCode(0x1f)
	StatusAuthError      = StatusCode(0x20)
	StatusAuthContinue   = StatusCode(0x21)
	StatusRangeError     = StatusCode(0x22)
	StatusRollback       = StatusCode(0x23)
	StatusAccessError    = StatusCode(0x24)
	StatusNotInitialized = StatusCode(0x25)

	StatusRateLimitedNetworkIngress = StatusCode(0x30)
	StatusRateLimitedNetworkEgress  = StatusCode(0x31)
	StatusRateLimitedMaxConnections = StatusCode(0x32)
	StatusRateLimitedMaxCommands    = StatusCode(0x33)
	StatusRateLimitedScopeSizeLimitExceeded = StatusCode(0x34)

	StatusUnknownCommand = StatusCode(0x81)
	StatusOutOfMemory    = StatusCode(0x82)
	StatusNotSupported   = StatusCode(0x83)
	StatusInternalError  = StatusCode(0x84)
	StatusBusy           = StatusCode(0x85)
	StatusTmpFail        = StatusCode(0x86)

	StatusCollectionUnknown = StatusCode(0x88)
	StatusScopeUnknown      = StatusCode(0x8c)

	StatusDurabilityInvalidLevel       = StatusCode(0xa0)
	StatusDurabilityImpossible         = StatusCode(0xa1)
	StatusSyncWriteInProgress          = StatusCode(0xa2)
	StatusSyncWriteAmbiguous           = StatusCode(0xa3)
	StatusSyncWriteReCommitInProgress  = StatusCode(0xa4)

	StatusSubDocPathNotFound   = StatusCode(0xc0)
	StatusSubDocPathMismatch   = StatusCode(0xc1)
	StatusSubDocPathInvalid    = StatusCode(0xc2)
	StatusSubDocPathTooBig     = StatusCode(0xc3)
	StatusSubDocDocTooDeep     = StatusCode(0xc4)
	StatusSubDocCantInsert     = StatusCode(0xc5)
	StatusSubDocNotJSON        = StatusCode(0xc6)
	StatusSubDocBadRange       = StatusCode(0xc7)
	StatusSubDocBadDelta       = StatusCode(0xc8)
	StatusSubDocPathExists     = StatusCode(0xc9)
	StatusSubDocValueTooDeep   = StatusCode(0xca)
	StatusSubDocBadCombo       = StatusCode(0xcb)
	StatusSubDocBadMulti       = StatusCode(0xcc)
	StatusSubDocSuccessDeleted = StatusCode(0xcd)
	StatusSubDocXattrInvalidFlagCombo   = StatusCode(0xce)
	StatusSubDocXattrInvalidKeyCombo    = StatusCode(0xcf)
	StatusSubDocXattrUnknownMacro       = StatusCode(0xd0)
	StatusSubDocMultiPathFailureDeleted = StatusCode(0xd3)
)

// HelloFeature represents a feature code negotiated via the HELLO command.
type HelloFeature uint16

const (
	FeatureDatatype         = HelloFeature(0x01)
	FeatureTLS              = HelloFeature(0x02)
	FeatureTCPNoDelay       = HelloFeature(0x03)
	FeatureSeqNo            = HelloFeature(0x04)
	FeatureTCPDelay         = HelloFeature(0x05)
	FeatureXattr            = HelloFeature(0x06)
	FeatureXerror           = HelloFeature(0x07)
	FeatureSelectBucket     = HelloFeature(0x08)
	FeatureSnappy           = HelloFeature(0x0a)
	FeatureJSON             = HelloFeature(0x0b)
	FeatureDuplex           = HelloFeature(0x0c)
	FeatureClusterMapNotif  = HelloFeature(0x0d)
	FeatureUnorderedExec    = HelloFeature(0x0e)
	FeatureTracing          = HelloFeature(0x0f)
	FeatureAltRequests      = HelloFeature(0x10)
	FeatureSyncReplication  = HelloFeature(0x11)
	FeatureCollections      = HelloFeature(0x12)
	FeaturePreserveExpiry   = HelloFeature(0x14)
	FeatureCreateAsDeleted  = HelloFeature(0x17)
	FeatureReplaceBodyWithXattr = HelloFeature(0x19)
)

// DatatypeFlag specifies data flags for the value of a document.
type DatatypeFlag uint8

const (
	// DatatypeFlagJSON indicates the server believes the value payload to be JSON.
	DatatypeFlagJSON = DatatypeFlag(0x01)

	// DatatypeFlagCompressed indicates the value payload is snappy compressed.
	DatatypeFlagCompressed = DatatypeFlag(0x02)

	// DatatypeFlagXattrs indicates the inclusion of xattr data in the value payload.
	DatatypeFlagXattrs = DatatypeFlag(0x04)
)

// DurabilityLevel specifies the level to use for durable writes.
type DurabilityLevel uint8

const (
	// DurabilityLevelMajority specifies the mutation must be replicated to a majority.
	DurabilityLevelMajority = DurabilityLevel(0x01)

	// DurabilityLevelMajorityAndPersistOnMaster specifies the mutation must be
	// replicated to a majority and persisted to the active node.
	DurabilityLevelMajorityAndPersistOnMaster = DurabilityLevel(0x02)

	// DurabilityLevelPersistToMajority specifies the mutation must be persisted
	// to a majority.
	DurabilityLevelPersistToMajority = DurabilityLevel(0x03)
)

// frameType represents the type of a framing-extras frame.
type frameType uint8

const (
	frameTypeReqBarrier       = frameType(0)
	frameTypeReqSyncDurability = frameType(1)
	frameTypeReqStreamID      = frameType(2)
	frameTypeReqOpenTracing   = frameType(3)
	frameTypeReqImpersonate   = frameType(4)
	frameTypeReqPreserveExpiry = frameType(5)
	frameTypeResSrvDuration   = frameType(0)
)

// VbucketState represents the state of a vbucket on a node.
type VbucketState uint32

const (
	VbucketStateActive  = VbucketState(0x01)
	VbucketStateReplica = VbucketState(0x02)
	VbucketStatePending = VbucketState(0x03)
	VbucketStateDead    = VbucketState(0x04)
)
