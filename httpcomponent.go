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
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/couchbaselabs/gocbclient/cbconfig"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func newHTTPTransport(tlsConfig *tls.Config) *http.Transport {
	return &http.Transport{
		TLSClientConfig:     tlsConfig,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
}

// httpRequest is the uniform envelope every HTTP service operation encodes
// itself into.
type httpRequest struct {
	Service     ServiceType
	Method      string
	Path        string
	Headers     map[string]string
	ContentType string
	Body        []byte

	// Idempotent permits redispatching after a transport-level failure.
	Idempotent bool

	// ContextID is the request's client context id.  Endpoint selection
	// does not read it: the sticky node preference is kept per service,
	// not per context id.
	ContextID string

	Timeout time.Duration
}

// httpResponse is the decoded half of the envelope.
type httpResponse struct {
	Endpoint   string
	StatusCode int
	Body       []byte
}

func servicePort(ports cbconfig.TerseNodePortsJson, service ServiceType, useTLS bool) int {
	switch service {
	case MgmtService:
		if useTLS {
			return ports.MgmtSsl
		}
		return ports.Mgmt
	case CapiService:
		if useTLS {
			return ports.CapiSsl
		}
		return ports.Capi
	case N1qlService:
		if useTLS {
			return ports.N1qlSsl
		}
		return ports.N1ql
	case FtsService:
		if useTLS {
			return ports.FtsSsl
		}
		return ports.Fts
	case CbasService:
		if useTLS {
			return ports.CbasSsl
		}
		return ports.Cbas
	}
	return 0
}

// serviceEndpoints lists the base URLs of every node advertising a service
// in the current global config.
func (c *Cluster) serviceEndpoints(service ServiceType) []string {
	config := c.globalConfig.Load()
	if config == nil {
		return nil
	}

	scheme := "http"
	if c.opts.Security.UseTLS {
		scheme = "https"
	}

	var endpoints []string
	for _, node := range config.NodesExt {
		hostname := node.Hostname
		ports := node.Services
		if c.opts.Io.NetworkType == NetworkTypeExternal {
			alt, ok := node.AltAddresses["external"]
			if !ok {
				continue
			}
			hostname = alt.Hostname
			if alt.Ports != nil {
				ports = *alt.Ports
			}
		}

		port := servicePort(ports, service, c.opts.Security.UseTLS)
		if port == 0 || hostname == "" {
			continue
		}
		endpoints = append(endpoints, fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(hostname, fmt.Sprintf("%d", port))))
	}
	return endpoints
}

// pickServiceEndpoint selects a node for a service: sticky preference to
// the node that last served this service, round-robin otherwise.
func (c *Cluster) pickServiceEndpoint(service ServiceType) (string, error) {
	endpoints := c.serviceEndpoints(service)
	if len(endpoints) == 0 {
		return "", errNoServiceEndpoints
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	if sticky, ok := c.stickyNodes[service]; ok {
		for _, endpoint := range endpoints {
			if endpoint == sticky {
				return endpoint, nil
			}
		}
	}

	endpoint := endpoints[c.rrCounter%uint64(len(endpoints))]
	c.rrCounter++
	c.stickyNodes[service] = endpoint
	return endpoint, nil
}

func (c *Cluster) dropStickyEndpoint(service ServiceType, endpoint string) {
	c.lock.Lock()
	if c.stickyNodes[service] == endpoint {
		delete(c.stickyNodes, service)
	}
	c.lock.Unlock()
}

func serviceSpanName(service ServiceType) string {
	switch service {
	case N1qlService:
		return "query"
	case CbasService:
		return "analytics"
	case FtsService:
		return "search"
	case CapiService:
		return "views"
	case MgmtService:
		return "management"
	}
	return "http"
}

// doHTTPRequest dispatches one service request, retrying transport-level
// failures for idempotent requests until the deadline.
func (c *Cluster) doHTTPRequest(ctx context.Context, req *httpRequest) (*httpResponse, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = c.opts.Timeouts.ManagementTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, serviceSpanName(req.Service))
	defer span.End()

	rc := newRetryContext(req.Idempotent)
	var lastErr error

	for {
		resp, err := c.attemptHTTPRequest(ctx, req)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, errNoServiceEndpoints) {
			// no node in the topology offers this service; waiting out the
			// deadline would not change that
			return nil, errors.Wrap(ErrServiceNotAvailable, serviceSpanName(req.Service))
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		if !errors.Is(err, ErrServiceNotAvailable) {
			return nil, err
		}

		delay, allowed := rc.maybeRetry(RetryReasonServiceNotAvailable)
		if !allowed {
			break
		}
		if waitErr := waitForRetry(ctx, delay); waitErr != nil {
			break
		}
	}

	return nil, lastErr
}

func (c *Cluster) attemptHTTPRequest(ctx context.Context, req *httpRequest) (*httpResponse, error) {
	endpoint, err := c.pickServiceEndpoint(req.Service)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, endpoint+req.Path, bytes.NewReader(req.Body))
	if err != nil {
		return nil, errors.Wrap(ErrEncodingFailure, err.Error())
	}

	creds, err := c.opts.Authenticator.Credentials(req.Service, endpoint)
	if err != nil {
		return nil, err
	}
	httpReq.SetBasicAuth(creds.Username, creds.Password)

	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	for name, value := range req.Headers {
		httpReq.Header.Set(name, value)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// a node that refuses connections loses its sticky preference so
		// the next attempt rotates elsewhere
		c.dropStickyEndpoint(req.Service, endpoint)
		c.logger.Debug("service request transport failure",
			zap.String("endpoint", endpoint),
			zap.Error(err),
		)
		if ctx.Err() != nil {
			return nil, ErrUnambiguousTimeout
		}
		return nil, ErrServiceNotAvailable
	}

	body, err := io.ReadAll(httpResp.Body)
	if closeErr := httpResp.Body.Close(); closeErr != nil {
		c.logger.Debug("unexpected response close error", zap.Error(closeErr))
	}
	if err != nil {
		return nil, errors.Wrap(ErrDecodingFailure, err.Error())
	}

	return &httpResponse{
		Endpoint:   endpoint,
		StatusCode: httpResp.StatusCode,
		Body:       body,
	}, nil
}

// nextContextID produces a client context id for service requests that did
// not carry one.
func (c *Cluster) nextContextID() string {
	return fmt.Sprintf("%s/%x", c.clientID, atomic.AddUint64(&c.ctxIDCounter, 1))
}
