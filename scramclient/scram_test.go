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
	"testing"
)

func TestScram(t *testing.T) {
	cli, err := newScramClientWithNonce("SCRAM-SHA1", "user", "pencil", "fyko+d2lbbFgONRv9qkxdawL")
	if err != nil {
		t.Fatalf("Failed to create scram auth: %v", err)
	}

	first := cli.Start()
	if string(first) != "n,,n=user,r=fyko+d2lbbFgONRv9qkxdawL" {
		t.Fatalf("Client first message was wrong: %s", first)
	}

	err = cli.Step1([]byte("r=fyko+d2lbbFgONRv9qkxdawL3rfcNHYJY1ZVvWVs7j,s=QSXCR+Q6sek8bf92,i=4096"))
	if err != nil {
		t.Fatalf("Failed to step scram auth: %v", err)
	}

	out := cli.Out()
	if string(out) != "c=biws,r=fyko+d2lbbFgONRv9qkxdawL3rfcNHYJY1ZVvWVs7j,p=v0X8v3Bz2T0CJGbJQyF0X+HI4Ts=" {
		t.Fatalf("Client final message was wrong: %s", out)
	}

	err = cli.Step2([]byte("v=rmF9pqV8S7suAoZWja4dJRkFsKQ="))
	if err != nil {
		t.Fatalf("Failed to verify server signature: %v", err)
	}
}

func TestScramBadServerSignature(t *testing.T) {
	cli, err := newScramClientWithNonce("SCRAM-SHA1", "user", "pencil", "fyko+d2lbbFgONRv9qkxdawL")
	if err != nil {
		t.Fatalf("Failed to create scram auth: %v", err)
	}

	cli.Start()
	err = cli.Step1([]byte("r=fyko+d2lbbFgONRv9qkxdawL3rfcNHYJY1ZVvWVs7j,s=QSXCR+Q6sek8bf92,i=4096"))
	if err != nil {
		t.Fatalf("Failed to step scram auth: %v", err)
	}

	err = cli.Step2([]byte("v=AAAAAAAAAAAAAAAAAAAAAAAAAAA="))
	if err == nil {
		t.Fatalf("A forged server signature should not verify")
	}
}

func TestScramForeignNonce(t *testing.T) {
	cli, err := newScramClientWithNonce("SCRAM-SHA1", "user", "pencil", "clientNONCE")
	if err != nil {
		t.Fatalf("Failed to create scram auth: %v", err)
	}

	cli.Start()
	err = cli.Step1([]byte("r=attackerNONCEserverNONCE,s=QSXCR+Q6sek8bf92,i=4096"))
	if err == nil {
		t.Fatalf("A nonce not prefixed by ours should be rejected")
	}
}

func TestScramUnknownMech(t *testing.T) {
	_, err := NewScramClient("SCRAM-MD5", "user", "pencil")
	if err == nil {
		t.Fatalf("Unknown mechanisms should be rejected")
	}
}
