/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package scramclient

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strconv"

	"golang.org/x/crypto/pbkdf2"
)

var b64 = base64.StdEncoding

// scramClient is a client implementation of SCRAM auth.
type scramClient struct {
	out                        bytes.Buffer
	clientNonce                []byte
	clientFirstMsgBare         []byte
	serverFirstMsg             []byte
	clientFinalMsgWithoutProof []byte
	saltedPassword             []byte
	hashFn                     func() hash.Hash

	username string
	password string
}

func parseHashFn(mech string) (func() hash.Hash, error) {
	var hashFn func() hash.Hash
	switch mech {
	case "SCRAM-SHA512":
		hashFn = sha512.New
	case "SCRAM-SHA256":
		hashFn = sha256.New
	case "SCRAM-SHA1":
		hashFn = sha1.New
	default:
		return nil, fmt.Errorf("unknown hash function: %s", mech)
	}

	return hashFn, nil
}

func newScramClient(mech, username, password string) (*scramClient, error) {
	hashFn, err := parseHashFn(mech)
	if err != nil {
		return nil, err
	}

	nonceLen := 6
	buf := make([]byte, nonceLen+b64.EncodedLen(nonceLen))
	if _, err := rand.Read(buf[:nonceLen]); err != nil {
		return nil, fmt.Errorf("cannot read random from operating system: %v", err)
	}
	n := buf[nonceLen:]
	b64.Encode(n, buf[:nonceLen])

	c := &scramClient{
		clientNonce: n,
		hashFn:      hashFn,
		username:    username,
		password:    password,
	}
	c.out.Grow(256)

	return c, nil
}

func newScramClientWithNonce(mech, username, password, nonce string) (*scramClient, error) {
	hashFn, err := parseHashFn(mech)
	if err != nil {
		return nil, err
	}

	c := &scramClient{
		clientNonce: []byte(nonce),
		hashFn:      hashFn,
		username:    username,
		password:    password,
	}
	c.out.Grow(256)

	return c, nil
}

func (c *scramClient) authMessage() []byte {
	var msg bytes.Buffer
	msg.Grow(256)
	msg.Write(c.clientFirstMsgBare)
	msg.WriteString(",")
	msg.Write(c.serverFirstMsg)
	msg.WriteString(",")
	msg.Write(c.clientFinalMsgWithoutProof)

	return msg.Bytes()
}

func (c *scramClient) clientProof() ([]byte, error) {
	mac := hmac.New(c.hashFn, c.saltedPassword)
	if _, err := mac.Write([]byte("Client Key")); err != nil {
		return nil, err
	}
	clientKey := mac.Sum(nil)
	hash := c.hashFn()
	if _, err := hash.Write(clientKey); err != nil {
		return nil, err
	}
	storedKey := hash.Sum(nil)
	mac = hmac.New(c.hashFn, storedKey)
	if _, err := mac.Write(c.authMessage()); err != nil {
		return nil, err
	}
	clientProof := mac.Sum(nil)
	for i, b := range clientKey {
		clientProof[i] ^= b
	}
	clientProof64 := make([]byte, b64.EncodedLen(len(clientProof)))
	b64.Encode(clientProof64, clientProof)
	return clientProof64, nil
}

func (c *scramClient) serverSignature() ([]byte, error) {
	mac := hmac.New(c.hashFn, c.saltedPassword)
	if _, err := mac.Write([]byte("Server Key")); err != nil {
		return nil, err
	}
	serverKey := mac.Sum(nil)

	mac = hmac.New(c.hashFn, serverKey)
	if _, err := mac.Write(c.authMessage()); err != nil {
		return nil, err
	}
	serverSignature := mac.Sum(nil)

	encoded := make([]byte, b64.EncodedLen(len(serverSignature)))
	b64.Encode(encoded, serverSignature)
	return encoded, nil
}

// Start produces the client-first message.
func (c *scramClient) Start() []byte {
	c.out.Reset()
	c.out.WriteString("n=")
	c.out.WriteString(c.username)
	c.out.WriteString(",r=")
	c.out.Write(c.clientNonce)

	c.clientFirstMsgBare = make([]byte, c.out.Len())
	copy(c.clientFirstMsgBare, c.out.Bytes())

	var msg bytes.Buffer
	msg.WriteString("n,,")
	msg.Write(c.clientFirstMsgBare)
	return msg.Bytes()
}

// Step1 consumes the server-first message and produces the client-final
// message carrying the proof.
func (c *scramClient) Step1(in []byte) error {
	c.out.Reset()
	fields := bytes.Split(in, []byte(","))
	if len(fields) != 3 {
		return fmt.Errorf("expected 3 fields in first SCRAM server message, got %d: %q", len(fields), in)
	}
	if !bytes.HasPrefix(fields[0], []byte("r=")) || len(fields[0]) < 2 {
		return fmt.Errorf("server sent an invalid SCRAM nonce: %q", fields[0])
	}
	if !bytes.HasPrefix(fields[1], []byte("s=")) || len(fields[1]) < 2 {
		return fmt.Errorf("server sent an invalid SCRAM salt: %q", fields[1])
	}
	if !bytes.HasPrefix(fields[2], []byte("i=")) || len(fields[2]) < 2 {
		return fmt.Errorf("server sent an invalid SCRAM iteration count: %q", fields[2])
	}

	combinedNonce := fields[0][2:]
	if !bytes.HasPrefix(combinedNonce, c.clientNonce) {
		return fmt.Errorf("server sent a nonce not prefixed by ours: %q", combinedNonce)
	}

	salt := make([]byte, b64.DecodedLen(len(fields[1][2:])))
	saltLen, err := b64.Decode(salt, fields[1][2:])
	if err != nil {
		return fmt.Errorf("server sent an undecodable SCRAM salt: %q", fields[1])
	}
	salt = salt[:saltLen]

	iterCount, err := strconv.Atoi(string(fields[2][2:]))
	if err != nil || iterCount < 1 {
		return fmt.Errorf("server sent an invalid SCRAM iteration count: %q", fields[2])
	}

	c.serverFirstMsg = make([]byte, len(in))
	copy(c.serverFirstMsg, in)

	c.saltedPassword = pbkdf2.Key([]byte(c.password), salt, iterCount, c.hashFn().Size(), c.hashFn)

	c.out.WriteString("c=biws,r=")
	c.out.Write(combinedNonce)

	c.clientFinalMsgWithoutProof = make([]byte, c.out.Len())
	copy(c.clientFinalMsgWithoutProof, c.out.Bytes())

	proof, err := c.clientProof()
	if err != nil {
		return err
	}

	c.out.WriteString(",p=")
	c.out.Write(proof)

	return nil
}

// Step2 consumes the server-final message and verifies the server signature
// locally.  Any mismatch fails authentication.
func (c *scramClient) Step2(in []byte) error {
	c.out.Reset()
	fields := bytes.Split(in, []byte(","))
	if len(fields) < 1 || len(fields[0]) < 2 {
		return fmt.Errorf("expected at least 1 field in final SCRAM server message: %q", in)
	}
	if bytes.HasPrefix(fields[0], []byte("e=")) {
		return fmt.Errorf("server rejected authentication: %s", fields[0][2:])
	}
	if !bytes.HasPrefix(fields[0], []byte("v=")) {
		return fmt.Errorf("server sent an invalid final SCRAM message: %q", in)
	}

	expected, err := c.serverSignature()
	if err != nil {
		return err
	}
	if !bytes.Equal(fields[0][2:], expected) {
		return fmt.Errorf("server signature did not match ours: %q != %q", fields[0][2:], expected)
	}

	return nil
}

// Out returns the current data buffer which can be sent to the server.
func (c *scramClient) Out() []byte {
	if c.out.Len() == 0 {
		return nil
	}
	return c.out.Bytes()
}

// ScramClient drives the client half of SCRAM auth with a slightly improved
// interface, mirroring the SASL_AUTH / SASL_STEP exchange.
type ScramClient struct {
	cli  *scramClient
	done bool
}

// NewScramClient creates a client for one authentication attempt.
func NewScramClient(mech, username, password string) (*ScramClient, error) {
	cli, err := newScramClient(mech, username, password)
	if err != nil {
		return nil, err
	}
	return &ScramClient{cli: cli}, nil
}

// Start produces the payload of the SASL_AUTH request.
func (s *ScramClient) Start() ([]byte, error) {
	if s.cli == nil {
		return nil, errors.New("scram client already consumed")
	}
	return s.cli.Start(), nil
}

// Step consumes a server challenge and produces the payload of the next
// SASL_STEP request, or nil once the exchange has completed and verified.
func (s *ScramClient) Step(in []byte) ([]byte, error) {
	if s.cli == nil {
		return nil, errors.New("scram must be started first")
	}

	if !s.done {
		if err := s.cli.Step1(in); err != nil {
			s.cli = nil
			return nil, err
		}
		s.done = true
		return s.cli.Out(), nil
	}

	err := s.cli.Step2(in)
	s.cli = nil
	if err != nil {
		return nil, err
	}
	return nil, nil
}
