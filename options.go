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
	"crypto/tls"
	"crypto/x509"
	"os"
	"strconv"
	"time"

	"github.com/couchbaselabs/gocbconnstr"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// NetworkType selects which address family of the cluster config to use.
type NetworkType string

const (
	// NetworkTypeDefault uses the node's primary addresses.
	NetworkTypeDefault = NetworkType("default")

	// NetworkTypeExternal uses the node's alternate (external) addresses.
	NetworkTypeExternal = NetworkType("external")
)

// TimeoutsConfig specifies the deadline applied to each class of operation;
// when the caller's context carries an earlier deadline, that one wins.
type TimeoutsConfig struct {
	ConnectTimeout    time.Duration
	KeyValueTimeout   time.Duration
	QueryTimeout      time.Duration
	SearchTimeout     time.Duration
	AnalyticsTimeout  time.Duration
	ViewTimeout       time.Duration
	ManagementTimeout time.Duration
}

// SecurityConfig specifies the transport security settings of a cluster.
type SecurityConfig struct {
	UseTLS          bool
	RootCAs         *x509.CertPool
	NoVerify        bool
	AllowPlainNoTLS bool
}

// IoConfig specifies protocol-level behaviours of the key/value sessions.
type IoConfig struct {
	EnableMutationTokens     bool
	EnableUnorderedExecution bool
	EnableTCPKeepAlive       bool
	NetworkType              NetworkType
}

// ClusterOptions specifies the options for connecting a Cluster.
type ClusterOptions struct {
	Logger        *zap.Logger
	Authenticator Authenticator
	Security      SecurityConfig
	Timeouts      TimeoutsConfig
	Io            IoConfig
}

func (opts *ClusterOptions) applyDefaults() {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Timeouts.ConnectTimeout == 0 {
		opts.Timeouts.ConnectTimeout = 10 * time.Second
	}
	if opts.Timeouts.KeyValueTimeout == 0 {
		opts.Timeouts.KeyValueTimeout = 2500 * time.Millisecond
	}
	if opts.Timeouts.QueryTimeout == 0 {
		opts.Timeouts.QueryTimeout = 75 * time.Second
	}
	if opts.Timeouts.SearchTimeout == 0 {
		opts.Timeouts.SearchTimeout = 75 * time.Second
	}
	if opts.Timeouts.AnalyticsTimeout == 0 {
		opts.Timeouts.AnalyticsTimeout = 75 * time.Second
	}
	if opts.Timeouts.ViewTimeout == 0 {
		opts.Timeouts.ViewTimeout = 75 * time.Second
	}
	if opts.Timeouts.ManagementTimeout == 0 {
		opts.Timeouts.ManagementTimeout = 75 * time.Second
	}
	if opts.Io.NetworkType == "" {
		opts.Io.NetworkType = NetworkTypeDefault
	}
}

// connSpecOptions is the parsed form of a connection string: seeds plus the
// recognized option set of the grammar.
type connSpecOptions struct {
	memdHosts []gocbconnstr.Address
	httpHosts []gocbconnstr.Address
	bucket    string
}

func lastOption(spec gocbconnstr.ConnSpec, name string) (string, bool) {
	values := spec.Options[name]
	if len(values) == 0 {
		return "", false
	}
	return values[len(values)-1], true
}

func parseBoolOption(spec gocbconnstr.ConnSpec, name string) (bool, bool, error) {
	raw, ok := lastOption(spec, name)
	if !ok {
		return false, false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false, errors.Wrapf(ErrInvalidArgument, "option %s must be a boolean", name)
	}
	return val, true, nil
}

func parseDurationMsOption(spec gocbconnstr.ConnSpec, name string) (time.Duration, bool, error) {
	raw, ok := lastOption(spec, name)
	if !ok {
		return 0, false, nil
	}
	millis, err := strconv.Atoi(raw)
	if err != nil || millis < 0 {
		return 0, false, errors.Wrapf(ErrInvalidArgument, "option %s must be a duration in milliseconds", name)
	}
	return time.Duration(millis) * time.Millisecond, true, nil
}

// parseConnStr parses and resolves a connection string, performing DNS-SRV
// expansion for single-host specs, and folds the recognized options into
// opts.  Defaults follow spec: mutation tokens on, everything else off.
func parseConnStr(connStr string, opts *ClusterOptions) (*connSpecOptions, error) {
	spec, err := gocbconnstr.Parse(connStr)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidArgument, err.Error())
	}

	resolved, err := gocbconnstr.Resolve(spec)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidArgument, err.Error())
	}

	opts.Security.UseTLS = resolved.UseSsl
	opts.Io.EnableMutationTokens = true

	if enabled, ok, err := parseBoolOption(spec, "enable_tls"); err != nil {
		return nil, err
	} else if ok {
		if !enabled && resolved.UseSsl {
			return nil, errors.Wrap(ErrInvalidArgument, "enable_tls=false conflicts with couchbases scheme")
		}
		opts.Security.UseTLS = enabled
	}

	if certPath, ok := lastOption(spec, "trust_certificate"); ok {
		certData, err := os.ReadFile(certPath)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidArgument, err.Error())
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(certData) {
			return nil, errors.Wrap(ErrInvalidArgument, "trust_certificate contained no certificates")
		}
		opts.Security.RootCAs = pool
	}

	if enabled, ok, err := parseBoolOption(spec, "enable_mutation_tokens"); err != nil {
		return nil, err
	} else if ok {
		opts.Io.EnableMutationTokens = enabled
	}

	if enabled, ok, err := parseBoolOption(spec, "enable_unordered_execution"); err != nil {
		return nil, err
	} else if ok {
		opts.Io.EnableUnorderedExecution = enabled
	}

	if enabled, ok, err := parseBoolOption(spec, "enable_tcp_keepalive"); err != nil {
		return nil, err
	} else if ok {
		opts.Io.EnableTCPKeepAlive = enabled
	}

	if dura, ok, err := parseDurationMsOption(spec, "key_value_timeout_ms"); err != nil {
		return nil, err
	} else if ok {
		opts.Timeouts.KeyValueTimeout = dura
	}

	if dura, ok, err := parseDurationMsOption(spec, "query_timeout_ms"); err != nil {
		return nil, err
	} else if ok {
		opts.Timeouts.QueryTimeout = dura
	}

	if dura, ok, err := parseDurationMsOption(spec, "management_timeout_ms"); err != nil {
		return nil, err
	} else if ok {
		opts.Timeouts.ManagementTimeout = dura
	}

	if network, ok := lastOption(spec, "network"); ok {
		switch NetworkType(network) {
		case NetworkTypeDefault, NetworkTypeExternal:
			opts.Io.NetworkType = NetworkType(network)
		default:
			return nil, errors.Wrap(ErrInvalidArgument, "unrecognized network type")
		}
	}

	return &connSpecOptions{
		memdHosts: resolved.MemdHosts,
		httpHosts: resolved.HttpHosts,
		bucket:    resolved.Bucket,
	}, nil
}

func (opts *ClusterOptions) tlsConfig() *tls.Config {
	if !opts.Security.UseTLS {
		return nil
	}
	return &tls.Config{
		RootCAs:            opts.Security.RootCAs,
		InsecureSkipVerify: opts.Security.NoVerify,
		MinVersion:         tls.VersionTLS12,
	}
}
