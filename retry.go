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
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryReason classifies why an operation failed in a way that might be
// recovered by trying again.
type RetryReason int

const (
	// RetryReasonUnknown marks failures with no retry classification.
	RetryReasonUnknown = RetryReason(0)

	// RetryReasonNotReady occurs when the target session has not finished
	// bootstrapping.
	RetryReasonNotReady = RetryReason(1)

	// RetryReasonNotMyVBucket occurs when a node rejects an operation for a
	// partition it no longer owns.
	RetryReasonNotMyVBucket = RetryReason(2)

	// RetryReasonDocumentLocked occurs when the document is write-locked.
	RetryReasonDocumentLocked = RetryReason(3)

	// RetryReasonTemporaryFailure occurs when a node reports transient
	// overload.
	RetryReasonTemporaryFailure = RetryReason(4)

	// RetryReasonSocketClosedInFlight occurs when the session dropped while
	// the operation was on the wire.
	RetryReasonSocketClosedInFlight = RetryReason(5)

	// RetryReasonServiceNotAvailable occurs when no node currently offers
	// the required service.
	RetryReasonServiceNotAvailable = RetryReason(6)

	// RetryReasonAuthPending occurs when a session exists but has not yet
	// completed authentication.
	RetryReasonAuthPending = RetryReason(7)

	// RetryReasonCollectionUnknown occurs when the collection id cache is
	// stale or unresolved.
	RetryReasonCollectionUnknown = RetryReason(8)

	// RetryReasonConfigNotUpdated occurs when a config refresh is needed
	// before redispatching.
	RetryReasonConfigNotUpdated = RetryReason(9)

	// RetryReasonKVErrMapRetry occurs when the server error map marks an
	// otherwise unclassified status as retryable.
	RetryReasonKVErrMapRetry = RetryReason(10)
)

func (reason RetryReason) String() string {
	switch reason {
	case RetryReasonNotReady:
		return "not_ready"
	case RetryReasonNotMyVBucket:
		return "not_my_vbucket"
	case RetryReasonDocumentLocked:
		return "locked"
	case RetryReasonTemporaryFailure:
		return "temporary_failure"
	case RetryReasonSocketClosedInFlight:
		return "socket_closed_in_flight"
	case RetryReasonServiceNotAvailable:
		return "service_not_available"
	case RetryReasonAuthPending:
		return "auth_pending"
	case RetryReasonCollectionUnknown:
		return "collection_unknown"
	case RetryReasonConfigNotUpdated:
		return "config_not_updated"
	case RetryReasonKVErrMapRetry:
		return "kv_error_map"
	}
	return "unknown"
}

// retryBehaviour is one row of the retry dispatch table.
type retryBehaviour struct {
	retryable           bool
	allowsNonIdempotent bool
}

// retryTable is the fixed classification of every retry reason.  Reasons
// that fire before the command could have reached the wire are safe for
// non-idempotent operations too.
var retryTable = map[RetryReason]retryBehaviour{
	RetryReasonNotReady:             {retryable: true, allowsNonIdempotent: true},
	RetryReasonNotMyVBucket:         {retryable: true, allowsNonIdempotent: true},
	RetryReasonDocumentLocked:       {retryable: true, allowsNonIdempotent: true},
	RetryReasonTemporaryFailure:     {retryable: true, allowsNonIdempotent: true},
	RetryReasonSocketClosedInFlight: {retryable: true, allowsNonIdempotent: false},
	RetryReasonServiceNotAvailable:  {retryable: true, allowsNonIdempotent: true},
	RetryReasonAuthPending:          {retryable: true, allowsNonIdempotent: true},
	RetryReasonCollectionUnknown:    {retryable: true, allowsNonIdempotent: true},
	RetryReasonConfigNotUpdated:     {retryable: true, allowsNonIdempotent: true},
	RetryReasonKVErrMapRetry:        {retryable: true, allowsNonIdempotent: false},
}

const (
	retryBackoffBase = 1 * time.Millisecond
	retryBackoffMax  = 500 * time.Millisecond
)

// retryContext accompanies one logical operation across its attempts,
// recording the reason trace surfaced alongside a final failure.
type retryContext struct {
	idempotent bool
	attempts   uint32
	reasons    []RetryReason
	bo         *backoff.ExponentialBackOff
}

func newRetryContext(idempotent bool) *retryContext {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBackoffBase
	bo.MaxInterval = retryBackoffMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.5
	bo.MaxElapsedTime = 0 // the operation deadline governs
	bo.Reset()

	return &retryContext{
		idempotent: idempotent,
		bo:         bo,
	}
}

func (rc *retryContext) Attempts() uint32 {
	return rc.attempts
}

func (rc *retryContext) Reasons() []RetryReason {
	return rc.reasons
}

// maybeRetry decides whether another attempt is allowed and returns the
// backoff delay before it.  The decision is the fixed dispatch table row
// for the reason, gated on idempotence.
func (rc *retryContext) maybeRetry(reason RetryReason) (time.Duration, bool) {
	behaviour, ok := retryTable[reason]
	if !ok || !behaviour.retryable {
		return 0, false
	}
	if !rc.idempotent && !behaviour.allowsNonIdempotent {
		return 0, false
	}

	rc.attempts++
	rc.reasons = append(rc.reasons, reason)
	return rc.bo.NextBackOff(), true
}

// waitForRetry sleeps until the backoff delay elapses or the context
// expires, whichever comes first.
func waitForRetry(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
