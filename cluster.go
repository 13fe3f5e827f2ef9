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
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/couchbaselabs/gocbclient/cbconfig"
	"github.com/couchbaselabs/gocbclient/memd"
	"github.com/couchbaselabs/gocbclient/netx"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const clientVersion = "gocbclient/0.9.0"

// Cluster is the top-level coordinator: it bootstraps from seed addresses,
// maintains the global topology, owns buckets and dispatches service
// requests to eligible nodes.
type Cluster struct {
	logger     *zap.Logger
	opts       ClusterOptions
	dialer     *netx.Dialer
	httpClient *http.Client
	tracer     trace.Tracer
	clientID   string

	globalConfig atomic.Pointer[cbconfig.TerseConfigJson]

	lock        sync.Mutex
	buckets     map[string]*Bucket
	memdSeeds   []string
	httpSeeds   []string
	seedBucket  string
	stickyNodes map[ServiceType]string
	rrCounter   uint64
	closed      bool

	ctxIDCounter uint64
}

// Connect bootstraps a cluster from a connection string of the form
// scheme://host[,host...][/bucket]?opt=...  A single host with no port
// triggers DNS-SRV expansion.
func Connect(ctx context.Context, connStr string, opts ClusterOptions) (*Cluster, error) {
	opts.applyDefaults()

	if opts.Authenticator == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "an authenticator is required")
	}

	spec, err := parseConnStr(connStr, &opts)
	if err != nil {
		return nil, err
	}
	if len(spec.memdHosts) == 0 && len(spec.httpHosts) == 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "no seed addresses resolved")
	}

	c := &Cluster{
		logger: opts.Logger,
		opts:   opts,
		dialer: netx.NewDialer(netx.DialerOptions{
			TLSConfig:        opts.tlsConfig(),
			ConnectTimeout:   opts.Timeouts.ConnectTimeout,
			DisableKeepAlive: false,
			Logger:           opts.Logger,
		}),
		httpClient:  &http.Client{Transport: newHTTPTransport(opts.tlsConfig())},
		tracer:      otel.Tracer("com.couchbase.client/gocbclient"),
		clientID:    uuid.NewString(),
		buckets:     make(map[string]*Bucket),
		stickyNodes: make(map[ServiceType]string),
		seedBucket:  spec.bucket,
	}
	for _, address := range spec.memdHosts {
		c.memdSeeds = append(c.memdSeeds, net.JoinHostPort(address.Host, fmt.Sprintf("%d", address.Port)))
	}
	for _, address := range spec.httpHosts {
		c.httpSeeds = append(c.httpSeeds, net.JoinHostPort(address.Host, fmt.Sprintf("%d", address.Port)))
	}

	if err := c.bootstrap(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// helloClientName identifies this client on each session, carried in the
// HELLO key the way the server expects it.
func (c *Cluster) helloClientName() string {
	name, _ := json.Marshal(map[string]string{
		"a": clientVersion,
		"i": c.clientID,
	})
	return string(name)
}

// sessionFeatures is the feature set requested on every session.
func (c *Cluster) sessionFeatures() []memd.HelloFeature {
	features := []memd.HelloFeature{
		memd.FeatureDatatype,
		memd.FeatureTCPNoDelay,
		memd.FeatureXattr,
		memd.FeatureXerror,
		memd.FeatureSelectBucket,
		memd.FeatureSnappy,
		memd.FeatureJSON,
		memd.FeatureDuplex,
		memd.FeatureClusterMapNotif,
		memd.FeatureTracing,
		memd.FeatureAltRequests,
		memd.FeatureSyncReplication,
		memd.FeatureCollections,
		memd.FeaturePreserveExpiry,
	}
	if c.opts.Io.EnableMutationTokens {
		features = append(features, memd.FeatureSeqNo)
	}
	if c.opts.Io.EnableUnorderedExecution {
		features = append(features, memd.FeatureUnorderedExec)
	}
	return features
}

// connectSession establishes one negotiated session to a node.
func (c *Cluster) connectSession(ctx context.Context, address, bucketName string, onConfig func(*cbconfig.TerseConfigJson)) (*memdSession, error) {
	hostname, _, err := net.SplitHostPort(address)
	if err != nil {
		hostname = address
	}

	return newMemdSession(ctx, &memdSessionOptions{
		Logger:          c.logger,
		Dialer:          c.dialer,
		Address:         address,
		Hostname:        hostname,
		Authenticator:   c.opts.Authenticator,
		BucketName:      bucketName,
		ClientName:      c.helloClientName(),
		Features:        c.sessionFeatures(),
		TLSEnabled:      c.opts.Security.UseTLS,
		AllowPlainNoTLS: c.opts.Security.AllowPlainNoTLS,
		OnConfig:        onConfig,
		OnDisconnect:    nil,
	})
}

// onGlobalConfig installs a cluster-level config if it is newer than the
// one held.
func (c *Cluster) onGlobalConfig(config *cbconfig.TerseConfigJson) {
	for {
		current := c.globalConfig.Load()
		if current != nil && !config.IsNewerThan(current) {
			return
		}
		if c.globalConfig.CompareAndSwap(current, config) {
			c.logger.Debug("installed global config",
				zap.Int64("rev", config.Rev),
				zap.Int64("revEpoch", config.RevEpoch),
			)
			return
		}
	}
}

// bootstrap tries the seed nodes in order until one yields a cluster
// config, falling back to the HTTP terse-config endpoint when the
// key/value port is unreachable on every seed.
func (c *Cluster) bootstrap(ctx context.Context) error {
	var lastErr error

	for _, address := range c.memdSeeds {
		session, err := c.connectSession(ctx, address, "", c.onGlobalConfig)
		if err != nil {
			c.logger.Debug("seed bootstrap attempt failed",
				zap.String("address", address),
				zap.Error(err),
			)
			lastErr = err
			continue
		}

		// the bootstrap session exists only to produce the first config
		session.Close()
		if c.globalConfig.Load() != nil {
			return nil
		}
	}

	for _, address := range c.httpSeeds {
		creds, err := c.opts.Authenticator.Credentials(MgmtService, address)
		if err != nil {
			return err
		}

		scheme := "http"
		if c.opts.Security.UseTLS {
			scheme = "https"
		}
		fetcher := cbconfig.NewFetcher(cbconfig.FetcherOptions{
			HttpClient: c.httpClient,
			Host:       fmt.Sprintf("%s://%s", scheme, address),
			Username:   creds.Username,
			Password:   creds.Password,
			Logger:     c.logger,
		})
		config, err := fetcher.FetchNodeServices(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		c.onGlobalConfig(config)
		return nil
	}

	if lastErr == nil {
		lastErr = ErrServiceNotAvailable
	}
	return errors.Wrap(lastErr, "cluster bootstrap failed on every seed")
}

// Bucket opens (or returns) the bucket with the given name.  The first open
// establishes a session against a seed node to produce the bucket config.
func (c *Cluster) Bucket(ctx context.Context, name string) (*Bucket, error) {
	if name == "" {
		name = c.seedBucket
	}
	if name == "" {
		return nil, errors.Wrap(ErrInvalidArgument, "no bucket name provided")
	}

	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return nil, ErrServiceNotAvailable
	}
	if bucket, ok := c.buckets[name]; ok {
		c.lock.Unlock()
		return bucket, nil
	}
	bucket := newBucket(c, name)
	c.buckets[name] = bucket
	c.lock.Unlock()

	if err := c.primeBucket(ctx, bucket); err != nil {
		c.lock.Lock()
		delete(c.buckets, name)
		c.lock.Unlock()
		bucket.close()
		return nil, err
	}

	return bucket, nil
}

// primeBucket gives a fresh bucket its first session and config.
func (c *Cluster) primeBucket(ctx context.Context, bucket *Bucket) error {
	addresses := c.kvEndpoints()
	if len(addresses) == 0 {
		addresses = c.memdSeeds
	}

	var lastErr error
	for _, address := range addresses {
		session, err := c.connectSession(ctx, address, bucket.name, bucket.OnNewConfig)
		if err != nil {
			lastErr = err
			continue
		}

		bucket.lock.Lock()
		bucket.sessions[address] = session
		bucket.lock.Unlock()
		return nil
	}

	if lastErr == nil {
		lastErr = ErrServiceNotAvailable
	}
	if errors.Is(lastErr, ErrBucketNotFound) {
		return ErrBucketNotFound
	}
	return errors.Wrap(lastErr, "failed to open bucket on every node")
}

// kvEndpoints lists the key/value addresses of the current global config.
func (c *Cluster) kvEndpoints() []string {
	config := c.globalConfig.Load()
	if config == nil {
		return nil
	}

	var addresses []string
	for _, node := range config.NodesExt {
		address, ok := nodeKvAddress(node, c.opts.Security.UseTLS, c.opts.Io.NetworkType)
		if !ok {
			continue
		}
		addresses = append(addresses, address)
	}
	return addresses
}

// Close shuts down every bucket and session of the cluster.
func (c *Cluster) Close() error {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return nil
	}
	c.closed = true
	buckets := c.buckets
	c.buckets = make(map[string]*Bucket)
	c.lock.Unlock()

	for _, bucket := range buckets {
		bucket.close()
	}
	return nil
}
