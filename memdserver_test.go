package gocbclient

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/couchbaselabs/gocbclient/memd"
)

// testMemdServer is a minimal in-process memcached endpoint: it performs
// the bootstrap exchange and hands every other packet to a test-provided
// handler.
type testMemdServer struct {
	t        *testing.T
	listener net.Listener

	lock     sync.Mutex
	handlers map[memd.CmdCode]func(conn *memd.Conn, pak *memd.Packet)
	config   []byte
}

func testTerseConfig(rev int64, address string, vbMap [][]int) []byte {
	host, portStr, _ := net.SplitHostPort(address)
	config := map[string]interface{}{
		"rev":         rev,
		"name":        "default",
		"nodeLocator": "vbucket",
		"bucketCapabilities": []string{"collections", "durableWrite", "xattr"},
		"nodesExt": []map[string]interface{}{
			{
				"services": map[string]interface{}{
					"kv":   mustAtoi(portStr),
					"mgmt": 8091,
				},
				"thisNode": true,
				"hostname": host,
			},
		},
		"vBucketServerMap": map[string]interface{}{
			"hashAlgorithm": "CRC",
			"numReplicas":   0,
			"serverList":    []string{address},
			"vBucketMap":    vbMap,
		},
	}
	encoded, _ := json.Marshal(config)
	return encoded
}

func mustAtoi(s string) int {
	var v int
	_, _ = fmt.Sscanf(s, "%d", &v)
	return v
}

func newTestMemdServer(t *testing.T) *testMemdServer {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	srv := &testMemdServer{
		t:        t,
		listener: listener,
		handlers: make(map[memd.CmdCode]func(conn *memd.Conn, pak *memd.Packet)),
	}

	// one partition owned by this node unless the test overrides it
	srv.config = testTerseConfig(1, listener.Addr().String(), [][]int{{0}, {0}, {0}, {0}})

	go srv.acceptLoop()
	t.Cleanup(func() {
		_ = listener.Close()
	})

	return srv
}

func (srv *testMemdServer) Addr() string {
	return srv.listener.Addr().String()
}

func (srv *testMemdServer) SetConfig(config []byte) {
	srv.lock.Lock()
	srv.config = config
	srv.lock.Unlock()
}

func (srv *testMemdServer) Handle(cmd memd.CmdCode, handler func(conn *memd.Conn, pak *memd.Packet)) {
	srv.lock.Lock()
	srv.handlers[cmd] = handler
	srv.lock.Unlock()
}

func (srv *testMemdServer) acceptLoop() {
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			return
		}
		go srv.serveConn(conn)
	}
}

func (srv *testMemdServer) reply(conn *memd.Conn, reqPak *memd.Packet, status memd.StatusCode, extras, key, value []byte) {
	respPak := &memd.Packet{
		Magic:   memd.CmdMagicRes,
		Command: reqPak.Command,
		Status:  status,
		Opaque:  reqPak.Opaque,
		Extras:  extras,
		Key:     key,
		Value:   value,
	}
	_ = conn.WritePacket(respPak)
}

func (srv *testMemdServer) serveConn(netConn net.Conn) {
	defer func() {
		_ = netConn.Close()
	}()

	conn := memd.NewConn(netConn)
	for {
		pak, _, err := conn.ReadPacket()
		if err != nil {
			return
		}

		srv.lock.Lock()
		handler := srv.handlers[pak.Command]
		config := srv.config
		srv.lock.Unlock()

		if handler != nil {
			handler(conn, pak)
			continue
		}

		switch pak.Command {
		case memd.CmdHello:
			// accept every requested feature and mirror it back
			features, _ := memd.DecodeHelloFeatures(pak.Value)
			for _, feature := range features {
				conn.EnableFeature(feature)
			}
			srv.reply(conn, pak, memd.StatusSuccess, nil, nil, pak.Value)
		case memd.CmdGetErrorMap:
			srv.reply(conn, pak, memd.StatusSuccess, nil, nil, []byte(`{
				"version": 2, "revision": 1,
				"errors": {
					"86": {"name": "ETMPFAIL", "desc": "Temporary failure", "attrs": ["temp", "retry-now"]}
				}
			}`))
		case memd.CmdSASLListMechs:
			// the harness only speaks PLAIN; sessions under test allow it
			// off-TLS explicitly
			srv.reply(conn, pak, memd.StatusSuccess, nil, nil, []byte("PLAIN"))
		case memd.CmdSASLAuth:
			if string(pak.Key) != "PLAIN" {
				srv.reply(conn, pak, memd.StatusAuthError, nil, nil, nil)
				continue
			}
			srv.reply(conn, pak, memd.StatusSuccess, nil, nil, nil)
		case memd.CmdSelectBucket:
			if string(pak.Key) != "default" {
				srv.reply(conn, pak, memd.StatusAccessError, nil, nil, nil)
				continue
			}
			srv.reply(conn, pak, memd.StatusSuccess, nil, nil, nil)
		case memd.CmdGetClusterConfig:
			srv.reply(conn, pak, memd.StatusSuccess, nil, nil, config)
		case memd.CmdNoop:
			srv.reply(conn, pak, memd.StatusSuccess, nil, nil, nil)
		default:
			srv.reply(conn, pak, memd.StatusUnknownCommand, nil, nil, nil)
		}
	}
}

// mutationExtras builds the 16 byte vbuuid+seqno mutation extras.
func mutationExtras(vbUUID, seqNo uint64) []byte {
	extras := make([]byte, 16)
	binary.BigEndian.PutUint64(extras[0:], vbUUID)
	binary.BigEndian.PutUint64(extras[8:], seqNo)
	return extras
}
