package gocbclient

import (
	"context"
	"testing"
	"time"

	"github.com/couchbaselabs/gocbclient/cbconfig"
	"github.com/couchbaselabs/gocbclient/memd"
	"github.com/couchbaselabs/gocbclient/netx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSessionOptions(srv *testMemdServer, onConfig func(*cbconfig.TerseConfigJson)) *memdSessionOptions {
	return &memdSessionOptions{
		Dialer:        netx.NewDialer(netx.DialerOptions{}),
		Address:       srv.Addr(),
		Hostname:      "127.0.0.1",
		Authenticator: PasswordAuthenticator{Username: "Administrator", Password: "password"},
		BucketName:    "default",
		ClientName:    `{"a":"test"}`,
		Features: []memd.HelloFeature{
			memd.FeatureDatatype,
			memd.FeatureXerror,
			memd.FeatureSelectBucket,
			memd.FeatureSnappy,
			memd.FeatureJSON,
			memd.FeatureSeqNo,
			memd.FeatureCollections,
		},
		AllowPlainNoTLS: true,
		OnConfig:        onConfig,
	}
}

func TestSelectSASLMechanism(t *testing.T) {
	tlsSession := &memdSession{tlsEnabled: true}
	plainSession := &memdSession{}
	permissive := &memdSession{allowPlainNoTLS: true}

	mech, err := tlsSession.selectSASLMechanism([]string{"PLAIN", "SCRAM-SHA1", "SCRAM-SHA256", "SCRAM-SHA512"})
	require.NoError(t, err)
	assert.Equal(t, "SCRAM-SHA512", mech)

	mech, err = tlsSession.selectSASLMechanism([]string{"PLAIN", "SCRAM-SHA1"})
	require.NoError(t, err)
	assert.Equal(t, "SCRAM-SHA1", mech)

	// PLAIN is acceptable on TLS
	mech, err = tlsSession.selectSASLMechanism([]string{"PLAIN"})
	require.NoError(t, err)
	assert.Equal(t, "PLAIN", mech)

	// but forbidden off-TLS unless explicitly allowed
	_, err = plainSession.selectSASLMechanism([]string{"PLAIN"})
	assert.ErrorIs(t, err, ErrAuthenticationFailure)

	mech, err = permissive.selectSASLMechanism([]string{"PLAIN"})
	require.NoError(t, err)
	assert.Equal(t, "PLAIN", mech)

	// nothing in common
	_, err = tlsSession.selectSASLMechanism([]string{"CRAM-MD5"})
	assert.ErrorIs(t, err, ErrAuthenticationFailure)
}

func TestSessionBootstrap(t *testing.T) {
	srv := newTestMemdServer(t)

	var configs []*cbconfig.TerseConfigJson
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := newMemdSession(ctx, testSessionOptions(srv, func(config *cbconfig.TerseConfigJson) {
		configs = append(configs, config)
	}))
	require.NoError(t, err)
	defer session.Close()

	assert.Equal(t, sessionStateReady, session.State())
	assert.True(t, session.IsReady())
	assert.True(t, session.HasFeature(memd.FeatureCollections))

	// bootstrap must have published exactly one config
	require.Len(t, configs, 1)
	assert.Equal(t, int64(1), configs[0].Rev)
	assert.Equal(t, "default", configs[0].Name)

	// the negotiated error map classifies tmpfail as retryable
	errMap := session.ErrorMap()
	require.NotNil(t, errMap)
	assert.True(t, errMap.ShouldRetry(memd.StatusTmpFail))
}

func TestSessionBootstrapBadBucket(t *testing.T) {
	srv := newTestMemdServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := testSessionOptions(srv, nil)
	opts.BucketName = "missing"
	_, err := newMemdSession(ctx, opts)
	assert.ErrorIs(t, err, ErrBucketNotFound)
}

func TestSessionBootstrapPlainForbiddenWithoutTLS(t *testing.T) {
	srv := newTestMemdServer(t)
	// the server only offers PLAIN, which is forbidden off-TLS by default
	srv.Handle(memd.CmdSASLListMechs, func(conn *memd.Conn, pak *memd.Packet) {
		srv.reply(conn, pak, memd.StatusSuccess, nil, nil, []byte("PLAIN"))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := testSessionOptions(srv, nil)
	opts.AllowPlainNoTLS = false
	_, err := newMemdSession(ctx, opts)
	assert.ErrorIs(t, err, ErrAuthenticationFailure)
}

func TestSessionDispatchAndDemux(t *testing.T) {
	srv := newTestMemdServer(t)
	srv.Handle(memd.CmdGet, func(conn *memd.Conn, pak *memd.Packet) {
		srv.reply(conn, pak, memd.StatusSuccess, []byte{0, 0, 0, 0}, nil, []byte(`{"foo":"bar"}`))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := newMemdSession(ctx, testSessionOptions(srv, nil))
	require.NoError(t, err)
	defer session.Close()

	respPak, err := session.execute(ctx, &memd.Packet{
		Magic:   memd.CmdMagicReq,
		Command: memd.CmdGet,
		Key:     []byte("doc-1"),
	}, false)
	require.NoError(t, err)
	assert.Equal(t, memd.StatusSuccess, respPak.Status)
	assert.Equal(t, []byte(`{"foo":"bar"}`), respPak.Value)
}

func TestSessionNotMyVBucketDeliversConfig(t *testing.T) {
	srv := newTestMemdServer(t)
	newerConfig := testTerseConfig(42, srv.Addr(), [][]int{{0}, {0}, {0}, {0}})
	srv.Handle(memd.CmdGet, func(conn *memd.Conn, pak *memd.Packet) {
		srv.reply(conn, pak, memd.StatusNotMyVBucket, nil, nil, newerConfig)
	})

	var configs []*cbconfig.TerseConfigJson
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := newMemdSession(ctx, testSessionOptions(srv, func(config *cbconfig.TerseConfigJson) {
		configs = append(configs, config)
	}))
	require.NoError(t, err)
	defer session.Close()

	respPak, err := session.execute(ctx, &memd.Packet{
		Magic:   memd.CmdMagicReq,
		Command: memd.CmdGet,
		Key:     []byte("doc-1"),
	}, false)
	require.NoError(t, err)
	assert.Equal(t, memd.StatusNotMyVBucket, respPak.Status)

	// bootstrap config plus the config the rejection carried, delivered
	// before the command completed
	require.Len(t, configs, 2)
	assert.Equal(t, int64(42), configs[1].Rev)
}

func TestSessionCommandTimeout(t *testing.T) {
	srv := newTestMemdServer(t)
	srv.Handle(memd.CmdGet, func(conn *memd.Conn, pak *memd.Packet) {
		// swallow the request; the client deadline must fire
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := newMemdSession(ctx, testSessionOptions(srv, nil))
	require.NoError(t, err)
	defer session.Close()

	opCtx, opCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer opCancel()

	_, err = session.execute(opCtx, &memd.Packet{
		Magic:   memd.CmdMagicReq,
		Command: memd.CmdGet,
		Key:     []byte("doc-1"),
	}, false)
	assert.ErrorIs(t, err, ErrUnambiguousTimeout)

	// the session survives an individual command timeout
	assert.True(t, session.IsReady())
}

func TestSessionTeardownDrainsPending(t *testing.T) {
	srv := newTestMemdServer(t)
	srv.Handle(memd.CmdGet, func(conn *memd.Conn, pak *memd.Packet) {
		// never reply
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := newMemdSession(ctx, testSessionOptions(srv, nil))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	err = session.Dispatch(&memd.Packet{
		Magic:   memd.CmdMagicReq,
		Command: memd.CmdGet,
		Key:     []byte("doc-1"),
	}, time.Now().Add(10*time.Second), false, func(pak *memd.Packet, err error) {
		errCh <- err
	})
	require.NoError(t, err)

	session.Close()

	select {
	case drainErr := <-errCh:
		assert.ErrorIs(t, drainErr, errSessionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending command was not drained on teardown")
	}

	assert.Equal(t, sessionStateStopped, session.State())

	// a stopped session rejects new work
	err = session.Dispatch(&memd.Packet{
		Magic:   memd.CmdMagicReq,
		Command: memd.CmdNoop,
	}, time.Now().Add(time.Second), false, func(*memd.Packet, error) {})
	assert.ErrorIs(t, err, errSessionClosed)
}
