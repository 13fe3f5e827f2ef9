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
	"fmt"
	"hash/crc32"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbaselabs/gocbclient/cbconfig"
	"github.com/couchbaselabs/gocbclient/memd"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// routeConfig is the bucket's immutable snapshot of the cluster topology.
// It is replaced atomically; every dispatch holds the snapshot it started
// with.
type routeConfig struct {
	revID       int64
	revEpoch    int64
	bucketType  string
	kvServers   []string
	vbMap       [][]int
	numReplicas int
	capabilities map[string]bool
	source      *cbconfig.TerseConfigJson
}

func (config *routeConfig) revision() []uint64 {
	return []uint64{uint64(config.revID), uint64(config.revEpoch)}
}

func (config *routeConfig) numPartitions() int {
	return len(config.vbMap)
}

// nodeKvAddress derives one node's kv address honoring TLS and the network
// type.
func nodeKvAddress(node cbconfig.TerseExtNodeJson, useTLS bool, networkType NetworkType) (string, bool) {
	hostname := node.Hostname
	ports := node.Services

	if networkType == NetworkTypeExternal {
		alt, ok := node.AltAddresses["external"]
		if !ok {
			return "", false
		}
		hostname = alt.Hostname
		if alt.Ports != nil {
			ports = *alt.Ports
		}
	}

	port := ports.Kv
	if useTLS {
		port = ports.KvSsl
	}
	if port == 0 || hostname == "" {
		return "", false
	}

	return net.JoinHostPort(hostname, fmt.Sprintf("%d", port)), true
}

// buildRouteConfig projects a terse config into the routing snapshot.
func buildRouteConfig(config *cbconfig.TerseConfigJson, useTLS bool, networkType NetworkType) *routeConfig {
	route := &routeConfig{
		revID:        config.Rev,
		revEpoch:     config.RevEpoch,
		bucketType:   config.BucketType,
		capabilities: make(map[string]bool, len(config.BucketCapabilities)),
		source:       config,
	}
	for _, capability := range config.BucketCapabilities {
		route.capabilities[capability] = true
	}

	for _, node := range config.NodesExt {
		address, ok := nodeKvAddress(node, useTLS, networkType)
		if !ok {
			continue
		}
		route.kvServers = append(route.kvServers, address)
	}

	if config.VBucketServerMap != nil {
		route.vbMap = config.VBucketServerMap.VBucketMap
		route.numReplicas = config.VBucketServerMap.NumReplicas
	}

	return route
}

// partitionForKey computes the partition a key lives on.
func partitionForKey(key []byte, numPartitions int) uint16 {
	crc := crc32.ChecksumIEEE(key)
	return uint16((crc & 0xffff) % uint32(numPartitions))
}

// Bucket groups the sessions serving one bucket and owns its partition map.
type Bucket struct {
	cluster *Cluster
	name    string
	logger  *zap.Logger
	tracer  trace.Tracer

	config atomic.Pointer[routeConfig]

	lock     sync.Mutex
	sessions map[string]*memdSession
	breakers map[string]*gobreaker.CircuitBreaker[*memdSession]
	configCh chan struct{}
	closed   bool

	collections *collectionsCache
}

func newBucket(cluster *Cluster, name string) *Bucket {
	return &Bucket{
		cluster:     cluster,
		name:        name,
		logger:      cluster.logger.With(zap.String("bucket", name)),
		tracer:      cluster.tracer,
		sessions:    make(map[string]*memdSession),
		breakers:    make(map[string]*gobreaker.CircuitBreaker[*memdSession]),
		configCh:    make(chan struct{}),
		collections: newCollectionsCache(),
	}
}

// Name returns the bucket name.
func (b *Bucket) Name() string {
	return b.name
}

// PartitionCount returns the partition count of the current snapshot.
func (b *Bucket) PartitionCount() int {
	config := b.config.Load()
	if config == nil {
		return 0
	}
	return config.numPartitions()
}

// ConfigRev returns the (rev, revEpoch) of the current snapshot.
func (b *Bucket) ConfigRev() (int64, int64) {
	config := b.config.Load()
	if config == nil {
		return 0, 0
	}
	return config.revID, config.revEpoch
}

// OnNewConfig offers a config to the bucket.  Only strictly newer revisions
// replace the snapshot; the swap is a single atomic pointer store so no
// dispatch ever observes a partially updated map.
func (b *Bucket) OnNewConfig(config *cbconfig.TerseConfigJson) {
	newRoute := buildRouteConfig(config, b.cluster.opts.Security.UseTLS, b.cluster.opts.Io.NetworkType)

	b.lock.Lock()
	oldRoute := b.config.Load()
	if oldRoute != nil && cbconfig.CompareRevisions(newRoute.revision(), oldRoute.revision()) <= 0 {
		b.lock.Unlock()
		return
	}

	b.config.Store(newRoute)

	// collection ids are only valid against the config that produced them
	b.collections.Invalidate()

	// wake anything waiting for a (new) config
	close(b.configCh)
	b.configCh = make(chan struct{})

	// diff the node sets: removed nodes are drained, their pending
	// commands re-dispatch against the new map
	var removed []*memdSession
	if oldRoute != nil {
		keep := make(map[string]bool, len(newRoute.kvServers))
		for _, address := range newRoute.kvServers {
			keep[address] = true
		}
		for address, session := range b.sessions {
			if !keep[address] {
				removed = append(removed, session)
				delete(b.sessions, address)
			}
		}
	}
	b.lock.Unlock()

	for _, session := range removed {
		session.Close()
	}

	b.logger.Debug("installed new route config",
		zap.Int64("rev", newRoute.revID),
		zap.Int64("revEpoch", newRoute.revEpoch),
		zap.Int("nodes", len(newRoute.kvServers)),
	)
}

// waitForConfig blocks until the bucket holds any route config.
func (b *Bucket) waitForConfig(ctx context.Context) (*routeConfig, error) {
	for {
		config := b.config.Load()
		if config != nil {
			return config, nil
		}

		b.lock.Lock()
		ch := b.configCh
		b.lock.Unlock()

		select {
		case <-ctx.Done():
			return nil, ErrUnambiguousTimeout
		case <-ch:
		}
	}
}

func (b *Bucket) breakerForNode(address string) *gobreaker.CircuitBreaker[*memdSession] {
	if breaker, ok := b.breakers[address]; ok {
		return breaker
	}

	breaker := gobreaker.NewCircuitBreaker[*memdSession](gobreaker.Settings{
		Name:    fmt.Sprintf("kv:%s:%s", b.name, address),
		Timeout: 5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 4
		},
	})
	b.breakers[address] = breaker
	return breaker
}

// getSession returns the ready session for a node, establishing it when
// needed.  Bootstrap failures trip the node's circuit breaker so repeated
// dispatches fail fast instead of redialing a dead node.
func (b *Bucket) getSession(ctx context.Context, address string) (*memdSession, error) {
	b.lock.Lock()
	if b.closed {
		b.lock.Unlock()
		return nil, errSessionClosed
	}
	if session, ok := b.sessions[address]; ok && session.IsReady() {
		b.lock.Unlock()
		return session, nil
	}
	if session, ok := b.sessions[address]; ok {
		delete(b.sessions, address)
		b.lock.Unlock()
		session.Close()
		b.lock.Lock()
	}
	breaker := b.breakerForNode(address)
	b.lock.Unlock()

	session, err := breaker.Execute(func() (*memdSession, error) {
		return b.cluster.connectSession(ctx, address, b.name, b.OnNewConfig)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, errCircuitOpen
		}
		return nil, err
	}

	b.lock.Lock()
	if b.closed {
		b.lock.Unlock()
		session.Close()
		return nil, errSessionClosed
	}
	if existing, ok := b.sessions[address]; ok && existing.IsReady() {
		// someone raced us; keep theirs
		b.lock.Unlock()
		session.Close()
		return existing, nil
	}
	b.sessions[address] = session
	b.lock.Unlock()

	return session, nil
}

// close drains every session of the bucket.
func (b *Bucket) close() {
	b.lock.Lock()
	if b.closed {
		b.lock.Unlock()
		return
	}
	b.closed = true
	sessions := b.sessions
	b.sessions = make(map[string]*memdSession)
	b.lock.Unlock()

	for _, session := range sessions {
		session.Close()
	}
}

// kvDispatchArgs carries everything one key/value dispatch needs.
type kvDispatchArgs struct {
	opName         string
	key            []byte
	scopeName      string
	collectionName string
	replicaIdx     int
	isMutation     bool
	idempotent     bool
	encode         func(vbID uint16, cid uint32) (*memd.Packet, error)
}

// dispatchKV routes one operation: partition lookup, session acquisition,
// collection resolution, write, and retry orchestration around every
// recoverable failure until the operation deadline.
func (b *Bucket) dispatchKV(ctx context.Context, args kvDispatchArgs) (*memd.Packet, error) {
	if len(args.key) == 0 || len(args.key) > 250 {
		return nil, ErrInvalidArgument
	}

	ctx, cancel := context.WithTimeout(ctx, b.cluster.opts.Timeouts.KeyValueTimeout)
	defer cancel()

	ctx, span := b.tracer.Start(ctx, "kv:"+args.opName)
	defer span.End()

	rc := newRetryContext(args.idempotent)
	var lastErr error

	for {
		reason, respPak, err := b.attemptKV(ctx, args)
		if reason == RetryReasonUnknown {
			return respPak, err
		}
		if err != nil {
			lastErr = err
		}

		delay, allowed := rc.maybeRetry(reason)
		if !allowed {
			return nil, b.wrapKVError(lastErr, args, rc)
		}
		if err := waitForRetry(ctx, delay); err != nil {
			if lastErr == nil {
				lastErr = timeoutClass(args.isMutation)
			}
			return nil, b.wrapKVError(lastErr, args, rc)
		}
	}
}

func timeoutClass(isMutation bool) error {
	if isMutation {
		return ErrAmbiguousTimeout
	}
	return ErrUnambiguousTimeout
}

// attemptKV performs one routing attempt.  A zero reason means the attempt
// concluded (successfully or with a non-retryable error).
func (b *Bucket) attemptKV(ctx context.Context, args kvDispatchArgs) (RetryReason, *memd.Packet, error) {
	config, err := b.waitForConfig(ctx)
	if err != nil {
		return RetryReasonUnknown, nil, err
	}
	if config.numPartitions() == 0 {
		return RetryReasonConfigNotUpdated, nil, ErrTemporaryFailure
	}

	vbID := partitionForKey(args.key, config.numPartitions())
	nodeIndexes := config.vbMap[vbID]
	if args.replicaIdx >= len(nodeIndexes) {
		return RetryReasonUnknown, nil, ErrInvalidArgument
	}
	nodeIdx := nodeIndexes[args.replicaIdx]
	if nodeIdx < 0 || nodeIdx >= len(config.kvServers) {
		// the partition has no owner during rebalance
		return RetryReasonNotReady, nil, ErrTemporaryFailure
	}
	address := config.kvServers[nodeIdx]

	session, err := b.getSession(ctx, address)
	if err != nil {
		switch err {
		case errCircuitOpen:
			return RetryReasonServiceNotAvailable, nil, ErrServiceNotAvailable
		case errSessionClosed:
			return RetryReasonUnknown, nil, ErrServiceNotAvailable
		}
		if ctx.Err() != nil {
			return RetryReasonUnknown, nil, timeoutClass(args.isMutation)
		}
		return RetryReasonNotReady, nil, err
	}

	cid, err := b.resolveCollectionID(ctx, session, args.scopeName, args.collectionName)
	if err != nil {
		if err == ErrCollectionNotFound {
			return RetryReasonCollectionUnknown, nil, err
		}
		return RetryReasonUnknown, nil, err
	}

	pak, err := args.encode(vbID, cid)
	if err != nil {
		return RetryReasonUnknown, nil, err
	}

	// durability is a hard requirement when requested; preserve-expiry is
	// silently dropped against servers that do not advertise it
	if pak.DurabilityLevelFrame != nil && !session.HasFeature(memd.FeatureSyncReplication) {
		return RetryReasonUnknown, nil, ErrFeatureNotAvailable
	}
	if pak.PreserveExpiryFrame != nil && !session.HasFeature(memd.FeaturePreserveExpiry) {
		pak.PreserveExpiryFrame = nil
	}

	respPak, err := session.execute(ctx, pak, args.isMutation)
	if err != nil {
		if err == errSessionClosed {
			return RetryReasonSocketClosedInFlight, nil, ErrServiceNotAvailable
		}
		return RetryReasonUnknown, nil, err
	}

	switch respPak.Status {
	case memd.StatusNotMyVBucket:
		// the session already delivered the attached config
		return RetryReasonNotMyVBucket, nil, errNotMyVBucket
	case memd.StatusCollectionUnknown:
		b.collections.Invalidate()
		return RetryReasonCollectionUnknown, nil, ErrCollectionNotFound
	case memd.StatusLocked:
		if !args.isMutation {
			// reads observe the lock as a retryable condition
			return RetryReasonDocumentLocked, nil, ErrDocumentLocked
		}
	case memd.StatusTmpFail, memd.StatusBusy, memd.StatusOutOfMemory,
		memd.StatusSyncWriteInProgress, memd.StatusSyncWriteReCommitInProgress:
		return RetryReasonTemporaryFailure, nil, ErrTemporaryFailure
	default:
		if respPak.Status != memd.StatusSuccess {
			if errMap := session.ErrorMap(); errMap != nil {
				if _, classified := staticStatusClasses[respPak.Status]; !classified && errMap.ShouldRetry(respPak.Status) {
					return RetryReasonKVErrMapRetry, nil, kvStatusToError(respPak.Status)
				}
			}
		}
	}

	return RetryReasonUnknown, respPak, nil
}

// staticStatusClasses lists statuses whose handling never defers to the
// error map.
var staticStatusClasses = map[memd.StatusCode]struct{}{
	memd.StatusSuccess:      {},
	memd.StatusKeyNotFound:  {},
	memd.StatusKeyExists:    {},
	memd.StatusNotStored:    {},
	memd.StatusTooBig:       {},
	memd.StatusInvalidArgs:  {},
	memd.StatusNotMyVBucket: {},
	memd.StatusLocked:       {},
	memd.StatusAuthError:    {},
	memd.StatusAccessError:  {},
}

func (b *Bucket) wrapKVError(innerErr error, args kvDispatchArgs, rc *retryContext) error {
	if innerErr == nil {
		innerErr = ErrServiceNotAvailable
	}
	reasons := make([]string, 0, len(rc.Reasons()))
	for _, reason := range rc.Reasons() {
		reasons = append(reasons, reason.String())
	}
	return &KeyValueError{
		InnerError: innerErr,
		BucketName: b.name,
		ScopeName:  args.scopeName,
		Collection: args.collectionName,
		Key:        string(args.key),
		Context:    fmt.Sprintf("retried %d times (%v)", rc.Attempts(), reasons),
	}
}

func (b *Bucket) fillToken(token *MutationToken, vbID uint16) {
	token.VbID = vbID
	token.BucketName = b.name
}
