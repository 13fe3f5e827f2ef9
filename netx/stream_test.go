package netx

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialAndReadWrite(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			acceptedCh <- conn
		}
	}()

	dialer := NewDialer(DialerOptions{ConnectTimeout: 2 * time.Second})
	stream, err := dialer.Dial(context.Background(), listener.Addr().String())
	require.NoError(t, err)
	defer stream.Close()

	server := <-acceptedCh
	defer server.Close()

	assert.True(t, stream.IsOpen())
	assert.Equal(t, "plain", stream.LogPrefix())

	_, err = stream.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), buf)
}

func TestDialFailure(t *testing.T) {
	dialer := NewDialer(DialerOptions{ConnectTimeout: 250 * time.Millisecond})
	_, err := dialer.Dial(context.Background(), "127.0.0.1:1")
	assert.Error(t, err)
}

func TestCloseUnblocksRead(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err == nil {
			// hold the connection open, never write
			defer conn.Close()
			time.Sleep(2 * time.Second)
		}
	}()

	dialer := NewDialer(DialerOptions{})
	stream, err := dialer.Dial(context.Background(), listener.Addr().String())
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	var readErr error
	go func() {
		defer wg.Done()
		buf := make([]byte, 1)
		_, readErr = stream.Read(buf)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, stream.Close())
	wg.Wait()

	assert.Error(t, readErr)
	assert.True(t, IsClosedErr(readErr))
	assert.False(t, stream.IsOpen())

	// writes after close fail fast
	_, err = stream.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrStreamClosed)
}
