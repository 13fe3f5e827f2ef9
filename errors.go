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
	"errors"
	"fmt"

	"github.com/couchbaselabs/gocbclient/memd"
)

// Common errors.
var (
	ErrRequestCanceled       = errors.New("request canceled")
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrServiceNotAvailable   = errors.New("service not available")
	ErrInternalServerFailure = errors.New("internal server failure")
	ErrAuthenticationFailure = errors.New("authentication failure")
	ErrTemporaryFailure      = errors.New("temporary failure")
	ErrParsingFailure        = errors.New("parsing failure")
	ErrCasMismatch           = errors.New("cas mismatch")
	ErrBucketNotFound        = errors.New("bucket not found")
	ErrCollectionNotFound    = errors.New("collection not found")
	ErrScopeNotFound         = errors.New("scope not found")
	ErrUnsupportedOperation  = errors.New("unsupported operation")
	ErrAmbiguousTimeout      = errors.New("ambiguous timeout")
	ErrUnambiguousTimeout    = errors.New("unambiguous timeout")
	ErrFeatureNotAvailable   = errors.New("feature not available")
	ErrIndexNotFound         = errors.New("index not found")
	ErrIndexExists           = errors.New("index exists")
	ErrEncodingFailure       = errors.New("encoding failure")
	ErrDecodingFailure       = errors.New("decoding failure")
	ErrRateLimited           = errors.New("rate limited")
	ErrQuotaLimited          = errors.New("quota limited")
)

// Key/Value errors.
var (
	ErrDocumentNotFound  = errors.New("document not found")
	ErrDocumentExists    = errors.New("document exists")
	ErrDocumentLocked    = errors.New("document locked")
	ErrValueTooLarge     = errors.New("value too large")
	ErrValueInvalid      = errors.New("value invalid")
	ErrValueNotJSON      = errors.New("value not json")
	ErrNumberTooBig      = errors.New("number too big")
	ErrDeltaInvalid      = errors.New("delta invalid")
	ErrPathNotFound      = errors.New("path not found")
	ErrPathMismatch      = errors.New("path mismatch")
	ErrPathInvalid       = errors.New("path invalid")
	ErrPathTooBig        = errors.New("path too big")
	ErrPathTooDeep       = errors.New("path too deep")
	ErrPathExists        = errors.New("path exists")
	ErrValueTooDeep      = errors.New("value too deep")
	ErrInvalidValueCombo = errors.New("invalid value combination")

	ErrXattrInvalidFlagCombo = errors.New("xattr invalid flag combination")
	ErrXattrInvalidKeyCombo  = errors.New("xattr invalid key combination")
	ErrXattrUnknownMacro     = errors.New("xattr unknown macro")

	ErrDurabilityLevelInvalid             = errors.New("durability level invalid")
	ErrDurabilityImpossible               = errors.New("durability impossible")
	ErrDurabilityAmbiguous                = errors.New("durability ambiguous")
	ErrDurableWriteInProgress             = errors.New("sync-write in progress")
	ErrDurableWriteReCommitInProgress     = errors.New("sync-write re-commit in progress")
)

// Query, analytics, search and view errors.
var (
	ErrPlanningFailure          = errors.New("planning failure")
	ErrIndexFailure             = errors.New("index failure")
	ErrPreparedStatementFailure = errors.New("prepared statement failure")
	ErrDMLFailure               = errors.New("dml failure")
	ErrCompilationFailure       = errors.New("compilation failure")
	ErrJobQueueFull             = errors.New("job queue full")
	ErrDatasetNotFound          = errors.New("dataset not found")
	ErrDataverseNotFound        = errors.New("dataverse not found")
	ErrLinkNotFound             = errors.New("link not found")
	ErrViewNotFound             = errors.New("view not found")
	ErrDesignDocumentNotFound   = errors.New("design document not found")
)

// Management errors.
var (
	ErrUserNotFound     = errors.New("user not found")
	ErrGroupNotFound    = errors.New("group not found")
	ErrBucketExists     = errors.New("bucket exists")
	ErrUserExists       = errors.New("user exists")
	ErrCollectionExists = errors.New("collection exists")
	ErrScopeExists      = errors.New("scope exists")
)

// Internal routing errors.  The retry orchestrator consumes them while it
// keeps retrying; once it stops, one can still reach the caller wrapped.
var (
	errNotMyVBucket      = errors.New("not my vbucket")
	errCollectionUnknown = errors.New("unknown collection")
	errSessionClosed      = errors.New("session closed")
	errCircuitOpen        = errors.New("circuit breaker open")
	errNoServiceEndpoints = errors.New("no endpoints for service")
)

// KeyValueError wraps a key/value operation failure with the protocol-level
// context a caller or support engineer needs to diagnose it.
type KeyValueError struct {
	InnerError error
	StatusCode memd.StatusCode
	BucketName string
	ScopeName  string
	Collection string
	Key        string
	Opaque     uint32
	Context    string
	Ref        string
}

func (e *KeyValueError) Error() string {
	return fmt.Sprintf("%s | {\"status\":%d,\"bucket\":%q,\"key\":%q,\"opaque\":%d}",
		e.InnerError.Error(), e.StatusCode, e.BucketName, e.Key, e.Opaque)
}

func (e *KeyValueError) Unwrap() error {
	return e.InnerError
}

// HTTPError wraps a service-level (query/search/analytics/view/management)
// failure.
type HTTPError struct {
	InnerError      error
	Endpoint        string
	StatusCode      int
	ClientContextID string
	ErrorText       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s | {\"endpoint\":%q,\"status\":%d,\"context_id\":%q}",
		e.InnerError.Error(), e.Endpoint, e.StatusCode, e.ClientContextID)
}

func (e *HTTPError) Unwrap() error {
	return e.InnerError
}

// kvStatusToError maps a response status to the uniform error namespace.
// The error map refines retry classification but never changes the class.
func kvStatusToError(status memd.StatusCode) error {
	switch status {
	case memd.StatusSuccess, memd.StatusSubDocSuccessDeleted:
		return nil
	case memd.StatusKeyNotFound:
		return ErrDocumentNotFound
	case memd.StatusKeyExists:
		return ErrCasMismatch
	case memd.StatusNotStored:
		return ErrDocumentExists
	case memd.StatusTooBig:
		return ErrValueTooLarge
	case memd.StatusInvalidArgs:
		return ErrInvalidArgument
	case memd.StatusBadDelta:
		return ErrDeltaInvalid
	case memd.StatusNotMyVBucket:
		return errNotMyVBucket
	case memd.StatusNoBucket:
		return ErrBucketNotFound
	case memd.StatusLocked:
		return ErrDocumentLocked
	case memd.StatusAuthStale, memd.StatusAuthError:
		return ErrAuthenticationFailure
	case memd.StatusAccessError:
		return ErrAuthenticationFailure
	case memd.StatusRangeError:
		return ErrInvalidArgument
	case memd.StatusNotInitialized:
		return ErrTemporaryFailure
	case memd.StatusRateLimitedNetworkIngress,
		memd.StatusRateLimitedNetworkEgress,
		memd.StatusRateLimitedMaxConnections,
		memd.StatusRateLimitedMaxCommands:
		return ErrRateLimited
	case memd.StatusRateLimitedScopeSizeLimitExceeded:
		return ErrQuotaLimited
	case memd.StatusUnknownCommand, memd.StatusNotSupported:
		return ErrUnsupportedOperation
	case memd.StatusOutOfMemory, memd.StatusBusy, memd.StatusTmpFail:
		return ErrTemporaryFailure
	case memd.StatusInternalError:
		return ErrInternalServerFailure
	case memd.StatusCollectionUnknown:
		return errCollectionUnknown
	case memd.StatusScopeUnknown:
		return ErrScopeNotFound
	case memd.StatusDurabilityInvalidLevel:
		return ErrDurabilityLevelInvalid
	case memd.StatusDurabilityImpossible:
		return ErrDurabilityImpossible
	case memd.StatusSyncWriteInProgress:
		return ErrDurableWriteInProgress
	case memd.StatusSyncWriteAmbiguous:
		return ErrDurabilityAmbiguous
	case memd.StatusSyncWriteReCommitInProgress:
		return ErrDurableWriteReCommitInProgress
	case memd.StatusSubDocPathNotFound:
		return ErrPathNotFound
	case memd.StatusSubDocPathMismatch:
		return ErrPathMismatch
	case memd.StatusSubDocPathInvalid:
		return ErrPathInvalid
	case memd.StatusSubDocPathTooBig:
		return ErrPathTooBig
	case memd.StatusSubDocDocTooDeep:
		return ErrPathTooDeep
	case memd.StatusSubDocCantInsert:
		return ErrValueInvalid
	case memd.StatusSubDocNotJSON:
		return ErrValueNotJSON
	case memd.StatusSubDocBadRange:
		return ErrNumberTooBig
	case memd.StatusSubDocBadDelta:
		return ErrDeltaInvalid
	case memd.StatusSubDocPathExists:
		return ErrPathExists
	case memd.StatusSubDocValueTooDeep:
		return ErrValueTooDeep
	case memd.StatusSubDocBadCombo:
		return ErrInvalidValueCombo
	case memd.StatusSubDocXattrInvalidFlagCombo:
		return ErrXattrInvalidFlagCombo
	case memd.StatusSubDocXattrInvalidKeyCombo:
		return ErrXattrInvalidKeyCombo
	case memd.StatusSubDocXattrUnknownMacro:
		return ErrXattrUnknownMacro
	}
	return ErrInternalServerFailure
}
