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
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbaselabs/gocbclient/cbconfig"
	"github.com/couchbaselabs/gocbclient/memd"
	"github.com/couchbaselabs/gocbclient/netx"
	"github.com/couchbaselabs/gocbclient/scramclient"
	"go.uber.org/zap"
)

type sessionState int32

const (
	sessionStateDisconnected = sessionState(0)
	sessionStateResolving    = sessionState(1)
	sessionStateConnecting   = sessionState(2)
	sessionStateNegotiating  = sessionState(3)
	sessionStateReady        = sessionState(4)
	sessionStateStopped      = sessionState(5)
)

func (state sessionState) String() string {
	switch state {
	case sessionStateDisconnected:
		return "disconnected"
	case sessionStateResolving:
		return "resolving"
	case sessionStateConnecting:
		return "connecting"
	case sessionStateNegotiating:
		return "negotiating"
	case sessionStateReady:
		return "ready"
	case sessionStateStopped:
		return "stopped"
	}
	return "invalid"
}

// memdPendingOp is one in-flight command, held in the session's opaque
// table from write submission until response arrival, timeout or teardown.
type memdPendingOp struct {
	opaque     uint32
	deadline   time.Time
	isMutation bool
	handler    func(*memd.Packet, error)

	timer     *time.Timer
	completed int32
}

// complete invokes the handler exactly once regardless of how many paths
// race to resolve the command.
func (op *memdPendingOp) complete(pak *memd.Packet, err error) {
	if !atomic.CompareAndSwapInt32(&op.completed, 0, 1) {
		return
	}
	if op.timer != nil {
		op.timer.Stop()
	}
	op.handler(pak, err)
}

type memdSessionOptions struct {
	Logger          *zap.Logger
	Dialer          *netx.Dialer
	Address         string
	Hostname        string
	Authenticator   Authenticator
	BucketName      string
	ClientName      string
	Features        []memd.HelloFeature
	TLSEnabled      bool
	AllowPlainNoTLS bool

	// OnConfig receives every cluster config the session observes, both
	// from bootstrap and from NOT_MY_VBUCKET payloads.
	OnConfig func(config *cbconfig.TerseConfigJson)

	// OnDisconnect fires once when the session stops.
	OnDisconnect func(err error)
}

// memdSession is one authenticated connection to one node.  It drives the
// bootstrap state machine and demultiplexes in-flight commands by opaque.
type memdSession struct {
	logger          *zap.Logger
	address         string
	hostname        string
	bucketName      string
	auth            Authenticator
	clientName      string
	features        []memd.HelloFeature
	tlsEnabled      bool
	allowPlainNoTLS bool
	onConfig        func(config *cbconfig.TerseConfigJson)
	onDisconnect    func(err error)

	stream *netx.Stream
	conn   *memd.Conn

	state       int32
	opaqueCtr   uint32
	pendingLock sync.Mutex
	pending     map[uint32]*memdPendingOp

	errMapLock sync.RWMutex
	errMap     *memd.ErrorMap

	enabledFeatures []memd.HelloFeature

	closeOnce sync.Once
}

// newMemdSession connects, negotiates and authenticates a session, only
// returning once it is ready (or failed).
func newMemdSession(ctx context.Context, opts *memdSessionOptions) (*memdSession, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &memdSession{
		logger:          logger.With(zap.String("address", opts.Address), zap.String("bucket", opts.BucketName)),
		address:         opts.Address,
		hostname:        opts.Hostname,
		bucketName:      opts.BucketName,
		auth:            opts.Authenticator,
		clientName:      opts.ClientName,
		features:        opts.Features,
		tlsEnabled:      opts.TLSEnabled,
		allowPlainNoTLS: opts.AllowPlainNoTLS,
		onConfig:        opts.OnConfig,
		onDisconnect:    opts.OnDisconnect,
		pending:         make(map[uint32]*memdPendingOp),
	}

	atomic.StoreInt32(&s.state, int32(sessionStateResolving))

	// the dialer resolves, connects and (for TLS) handshakes
	atomic.StoreInt32(&s.state, int32(sessionStateConnecting))
	stream, err := opts.Dialer.Dial(ctx, opts.Address)
	if err != nil {
		atomic.StoreInt32(&s.state, int32(sessionStateStopped))
		return nil, err
	}
	s.stream = stream
	s.conn = memd.NewConn(stream)

	go s.readLoop()

	atomic.StoreInt32(&s.state, int32(sessionStateNegotiating))
	if err := s.bootstrap(ctx); err != nil {
		s.teardown(err)
		return nil, err
	}

	atomic.StoreInt32(&s.state, int32(sessionStateReady))
	s.logger.Debug("session ready",
		zap.Any("features", s.enabledFeatures),
	)

	return s, nil
}

// State returns the current lifecycle state.
func (s *memdSession) State() sessionState {
	return sessionState(atomic.LoadInt32(&s.state))
}

// IsReady reports whether the session admits user commands.
func (s *memdSession) IsReady() bool {
	return s.State() == sessionStateReady
}

// ErrorMap returns the server-published error map, if negotiated.
func (s *memdSession) ErrorMap() *memd.ErrorMap {
	s.errMapLock.RLock()
	errMap := s.errMap
	s.errMapLock.RUnlock()
	return errMap
}

// HasFeature reports whether HELLO negotiation enabled a feature.
func (s *memdSession) HasFeature(feature memd.HelloFeature) bool {
	return s.conn.IsFeatureEnabled(feature)
}

func (s *memdSession) nextOpaque() uint32 {
	return atomic.AddUint32(&s.opaqueCtr, 1)
}

// Dispatch stamps a fresh opaque on the packet, registers the command in
// the opaque table and writes the frame.  The handler fires exactly once:
// with the response, a timeout error, or a teardown error.
func (s *memdSession) Dispatch(pak *memd.Packet, deadline time.Time, isMutation bool, handler func(*memd.Packet, error)) error {
	if s.State() == sessionStateStopped {
		return errSessionClosed
	}

	op := &memdPendingOp{
		opaque:     s.nextOpaque(),
		deadline:   deadline,
		isMutation: isMutation,
		handler:    handler,
	}
	pak.Opaque = op.opaque

	s.pendingLock.Lock()
	s.pending[op.opaque] = op
	s.pendingLock.Unlock()

	op.timer = time.AfterFunc(time.Until(deadline), func() {
		s.timeoutCommand(op.opaque)
	})

	if err := s.conn.WritePacket(pak); err != nil {
		if removed := s.removePending(op.opaque); removed != nil {
			removed.timer.Stop()
		}
		return err
	}

	return nil
}

func (s *memdSession) removePending(opaque uint32) *memdPendingOp {
	s.pendingLock.Lock()
	op, ok := s.pending[opaque]
	if ok {
		delete(s.pending, opaque)
	}
	s.pendingLock.Unlock()
	if !ok {
		return nil
	}
	return op
}

func (s *memdSession) timeoutCommand(opaque uint32) {
	op := s.removePending(opaque)
	if op == nil {
		return
	}

	// a mutation that may already be on the wire cannot be classified
	if op.isMutation {
		op.complete(nil, ErrAmbiguousTimeout)
	} else {
		op.complete(nil, ErrUnambiguousTimeout)
	}
}

// CancelPending cancels one queued command with a canceled error.  If the
// response later arrives, it is consumed and discarded.
func (s *memdSession) CancelPending(opaque uint32) {
	op := s.removePending(opaque)
	if op == nil {
		return
	}
	op.complete(nil, ErrRequestCanceled)
}

func (s *memdSession) readLoop() {
	for {
		pak, _, err := s.conn.ReadPacket()
		if err != nil {
			if !netx.IsClosedErr(err) {
				s.logger.Warn("unexpected session read error", zap.Error(err))
			}
			s.teardown(err)
			return
		}

		s.resolveResponse(pak)
	}
}

func (s *memdSession) resolveResponse(pak *memd.Packet) {
	op := s.removePending(pak.Opaque)
	if op == nil {
		// cancelled or timed out command, or an unsolicited packet;
		// consume and discard
		s.logger.Debug("discarding unmatched packet",
			zap.Uint32("opaque", pak.Opaque),
			zap.Uint8("command", uint8(pak.Command)),
		)
		return
	}

	// a NOT_MY_VBUCKET reply may carry a newer cluster config; deliver it
	// to the bucket before the command completes so the retry lands on the
	// fresh map
	if pak.Status == memd.StatusNotMyVBucket && len(pak.Value) > 0 && s.onConfig != nil {
		config, err := cbconfig.ParseTerseConfig(pak.Value, s.hostname)
		if err != nil {
			s.logger.Debug("failed to parse not-my-vbucket config", zap.Error(err))
		} else {
			s.onConfig(config)
		}
	}

	op.complete(pak, nil)
}

// teardown stops the session, drains every pending command and reports the
// disconnect.  Safe to call from multiple paths; only the first wins.
func (s *memdSession) teardown(err error) {
	s.closeOnce.Do(func() {
		atomic.StoreInt32(&s.state, int32(sessionStateStopped))
		_ = s.stream.Close()

		s.pendingLock.Lock()
		drained := make([]*memdPendingOp, 0, len(s.pending))
		for _, op := range s.pending {
			drained = append(drained, op)
		}
		s.pending = make(map[uint32]*memdPendingOp)
		s.pendingLock.Unlock()

		for _, op := range drained {
			op.complete(nil, errSessionClosed)
		}

		if len(drained) > 0 {
			s.logger.Debug("drained pending commands on teardown",
				zap.Int("count", len(drained)),
			)
		}

		if s.onDisconnect != nil {
			s.onDisconnect(err)
		}
	})
}

// Close stops the session.
func (s *memdSession) Close() {
	s.teardown(errSessionClosed)
}

// execute dispatches one packet and blocks for its reply, bounded by ctx.
func (s *memdSession) execute(ctx context.Context, pak *memd.Packet, isMutation bool) (*memd.Packet, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}

	type opResult struct {
		pak *memd.Packet
		err error
	}
	resCh := make(chan opResult, 1)

	err := s.Dispatch(pak, deadline, isMutation, func(respPak *memd.Packet, err error) {
		resCh <- opResult{pak: respPak, err: err}
	})
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		// a deadline expiry is a timeout, not a caller cancellation
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.timeoutCommand(pak.Opaque)
		} else {
			s.CancelPending(pak.Opaque)
		}
		res := <-resCh
		if res.err != nil {
			return nil, res.err
		}
		return res.pak, nil
	case res := <-resCh:
		if res.err != nil {
			return nil, res.err
		}
		return res.pak, nil
	}
}

// bootstrap drives the negotiation sequence: HELLO, error map, SASL,
// select bucket, then the first cluster config.
func (s *memdSession) bootstrap(ctx context.Context) error {
	if err := s.negotiateHello(ctx); err != nil {
		return err
	}
	if err := s.fetchErrorMap(ctx); err != nil {
		return err
	}
	if err := s.saslAuth(ctx); err != nil {
		return err
	}
	if s.bucketName != "" {
		if err := s.selectBucket(ctx); err != nil {
			return err
		}
	}
	return s.fetchClusterConfig(ctx)
}

func (s *memdSession) negotiateHello(ctx context.Context) error {
	resp, err := s.execute(ctx, &memd.Packet{
		Magic:   memd.CmdMagicReq,
		Command: memd.CmdHello,
		Key:     []byte(s.clientName),
		Value:   memd.EncodeHelloFeatures(s.features),
	}, false)
	if err != nil {
		return err
	}
	if resp.Status != memd.StatusSuccess {
		return kvStatusToError(resp.Status)
	}

	enabled, err := memd.DecodeHelloFeatures(resp.Value)
	if err != nil {
		return ErrDecodingFailure
	}
	for _, feature := range enabled {
		s.conn.EnableFeature(feature)
	}
	s.enabledFeatures = enabled

	// a bucket-bound session cannot proceed without select-bucket support
	if s.bucketName != "" && !s.conn.IsFeatureEnabled(memd.FeatureSelectBucket) {
		return ErrFeatureNotAvailable
	}

	return nil
}

func (s *memdSession) fetchErrorMap(ctx context.Context) error {
	if !s.conn.IsFeatureEnabled(memd.FeatureXerror) {
		return nil
	}

	version := make([]byte, 2)
	binary.BigEndian.PutUint16(version, 2)
	resp, err := s.execute(ctx, &memd.Packet{
		Magic:   memd.CmdMagicReq,
		Command: memd.CmdGetErrorMap,
		Value:   version,
	}, false)
	if err != nil {
		return err
	}
	if resp.Status != memd.StatusSuccess {
		// the session can run without a map; retry classification falls
		// back to the static table
		s.logger.Debug("server declined error map",
			zap.Uint16("status", uint16(resp.Status)),
		)
		return nil
	}

	errMap, err := memd.ParseErrorMap(resp.Value)
	if err != nil {
		s.logger.Warn("failed to parse error map", zap.Error(err))
		return nil
	}

	s.errMapLock.Lock()
	s.errMap = errMap
	s.errMapLock.Unlock()
	return nil
}

// saslPreference is the mechanism preference order, strongest first.
var saslPreference = []string{"SCRAM-SHA512", "SCRAM-SHA256", "SCRAM-SHA1", "PLAIN"}

func (s *memdSession) selectSASLMechanism(serverMechs []string) (string, error) {
	supported := make(map[string]bool, len(serverMechs))
	for _, mech := range serverMechs {
		supported[mech] = true
	}

	for _, mech := range saslPreference {
		if !supported[mech] {
			continue
		}
		if mech == "PLAIN" && !s.tlsEnabled && !s.allowPlainNoTLS {
			continue
		}
		return mech, nil
	}

	return "", ErrAuthenticationFailure
}

func (s *memdSession) saslAuth(ctx context.Context) error {
	mechsResp, err := s.execute(ctx, &memd.Packet{
		Magic:   memd.CmdMagicReq,
		Command: memd.CmdSASLListMechs,
	}, false)
	if err != nil {
		return err
	}
	if mechsResp.Status != memd.StatusSuccess {
		return ErrAuthenticationFailure
	}

	mech, err := s.selectSASLMechanism(strings.Fields(string(mechsResp.Value)))
	if err != nil {
		return err
	}

	creds, err := s.auth.Credentials(MemdService, s.address)
	if err != nil {
		return err
	}

	if mech == "PLAIN" {
		return s.saslAuthPlain(ctx, creds)
	}
	return s.saslAuthScram(ctx, mech, creds)
}

func (s *memdSession) saslAuthPlain(ctx context.Context, creds UserPassPair) error {
	payload := make([]byte, 0, len(creds.Username)+len(creds.Password)+2)
	payload = append(payload, 0)
	payload = append(payload, creds.Username...)
	payload = append(payload, 0)
	payload = append(payload, creds.Password...)

	resp, err := s.execute(ctx, &memd.Packet{
		Magic:   memd.CmdMagicReq,
		Command: memd.CmdSASLAuth,
		Key:     []byte("PLAIN"),
		Value:   payload,
	}, false)
	if err != nil {
		return err
	}
	if resp.Status != memd.StatusSuccess {
		return ErrAuthenticationFailure
	}
	return nil
}

func (s *memdSession) saslAuthScram(ctx context.Context, mech string, creds UserPassPair) error {
	scram, err := scramclient.NewScramClient(mech, creds.Username, creds.Password)
	if err != nil {
		return err
	}

	clientFirst, err := scram.Start()
	if err != nil {
		return err
	}

	authResp, err := s.execute(ctx, &memd.Packet{
		Magic:   memd.CmdMagicReq,
		Command: memd.CmdSASLAuth,
		Key:     []byte(mech),
		Value:   clientFirst,
	}, false)
	if err != nil {
		return err
	}
	if authResp.Status != memd.StatusAuthContinue {
		return ErrAuthenticationFailure
	}

	clientFinal, err := scram.Step(authResp.Value)
	if err != nil {
		return ErrAuthenticationFailure
	}

	stepResp, err := s.execute(ctx, &memd.Packet{
		Magic:   memd.CmdMagicReq,
		Command: memd.CmdSASLStep,
		Key:     []byte(mech),
		Value:   clientFinal,
	}, false)
	if err != nil {
		return err
	}
	if stepResp.Status != memd.StatusSuccess {
		return ErrAuthenticationFailure
	}

	// verify the server signature locally; a mismatch fails auth even
	// though the server reported success
	if _, err := scram.Step(stepResp.Value); err != nil {
		return ErrAuthenticationFailure
	}
	return nil
}

func (s *memdSession) selectBucket(ctx context.Context) error {
	resp, err := s.execute(ctx, &memd.Packet{
		Magic:   memd.CmdMagicReq,
		Command: memd.CmdSelectBucket,
		Key:     []byte(s.bucketName),
	}, false)
	if err != nil {
		return err
	}
	switch resp.Status {
	case memd.StatusSuccess:
		return nil
	case memd.StatusAccessError, memd.StatusKeyNotFound:
		return ErrBucketNotFound
	}
	return kvStatusToError(resp.Status)
}

func (s *memdSession) fetchClusterConfig(ctx context.Context) error {
	resp, err := s.execute(ctx, &memd.Packet{
		Magic:   memd.CmdMagicReq,
		Command: memd.CmdGetClusterConfig,
	}, false)
	if err != nil {
		return err
	}
	if resp.Status != memd.StatusSuccess {
		return kvStatusToError(resp.Status)
	}

	config, err := cbconfig.ParseTerseConfig(resp.Value, s.hostname)
	if err != nil {
		return ErrParsingFailure
	}

	if s.onConfig != nil {
		s.onConfig(config)
	}
	return nil
}
