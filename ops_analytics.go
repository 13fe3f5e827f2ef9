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

	"github.com/pkg/errors"
)

// AnalyticsScanConsistency specifies the consistency an analytics query
// demands.
type AnalyticsScanConsistency string

const (
	AnalyticsScanConsistencyNotBounded  = AnalyticsScanConsistency("not_bounded")
	AnalyticsScanConsistencyRequestPlus = AnalyticsScanConsistency("request_plus")
)

// AnalyticsOptions are the options of Cluster.AnalyticsQuery.
type AnalyticsOptions struct {
	Statement            string
	ScanConsistency      AnalyticsScanConsistency
	NamedParameters      map[string]interface{}
	PositionalParameters []interface{}
	Readonly             bool
	Priority             bool
	ClientContextID      string
}

func encodeAnalyticsRequest(opts AnalyticsOptions, contextID string) ([]byte, error) {
	if opts.Statement == "" {
		return nil, ErrInvalidArgument
	}
	if len(opts.NamedParameters) > 0 && len(opts.PositionalParameters) > 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "cannot combine named and positional parameters")
	}

	body := map[string]interface{}{
		"statement":         opts.Statement,
		"client_context_id": contextID,
	}
	if opts.ScanConsistency != "" {
		body["scan_consistency"] = string(opts.ScanConsistency)
	}
	for name, value := range opts.NamedParameters {
		if len(name) == 0 {
			return nil, ErrInvalidArgument
		}
		if name[0] != '$' {
			name = "$" + name
		}
		body[name] = value
	}
	if len(opts.PositionalParameters) > 0 {
		body["args"] = opts.PositionalParameters
	}
	if opts.Readonly {
		body["readonly"] = true
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(ErrEncodingFailure, err.Error())
	}
	return encoded, nil
}

// AnalyticsMetrics are the execution metrics of an analytics query.
type AnalyticsMetrics struct {
	ElapsedTime      string `json:"elapsedTime"`
	ExecutionTime    string `json:"executionTime"`
	ResultCount      uint64 `json:"resultCount"`
	ResultSize       uint64 `json:"resultSize"`
	ProcessedObjects uint64 `json:"processedObjects"`
	ErrorCount       uint64 `json:"errorCount"`
	WarningCount     uint64 `json:"warningCount"`
}

// AnalyticsMetaData carries everything of an analytics response except the
// rows.
type AnalyticsMetaData struct {
	RequestID       string
	ClientContextID string
	Status          string
	Signature       json.RawMessage
	Metrics         AnalyticsMetrics
}

// AnalyticsResult is the typed reply of an analytics query.
type AnalyticsResult struct {
	Rows     []json.RawMessage
	MetaData AnalyticsMetaData
}

type analyticsResponseJson struct {
	RequestID       string            `json:"requestID"`
	ClientContextID string            `json:"clientContextID"`
	Results         []json.RawMessage `json:"results"`
	Errors          []queryErrorJson  `json:"errors"`
	Status          string            `json:"status"`
	Signature       json.RawMessage   `json:"signature"`
	Metrics         AnalyticsMetrics  `json:"metrics"`
}

func mapAnalyticsError(analyticsErr queryErrorJson) error {
	code := analyticsErr.Code
	switch {
	case code == 20000:
		return ErrAuthenticationFailure
	case code == 23000, code == 23003:
		return ErrTemporaryFailure
	case code == 23007:
		return ErrJobQueueFull
	case code == 24000:
		return ErrParsingFailure
	case code == 24006:
		return ErrLinkNotFound
	case code == 24025, code == 24044, code == 24045:
		return ErrDatasetNotFound
	case code == 24034:
		return ErrDataverseNotFound
	case code == 24047:
		return ErrIndexNotFound
	case code == 24048:
		return ErrIndexExists
	case code >= 24040 && code < 25000:
		return ErrCompilationFailure
	case code >= 25000 && code < 26000:
		return ErrInternalServerFailure
	}
	return ErrInternalServerFailure
}

func decodeAnalyticsResponse(resp *httpResponse) (*AnalyticsResult, error) {
	var parsed analyticsResponseJson
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, &HTTPError{
			InnerError: ErrDecodingFailure,
			Endpoint:   resp.Endpoint,
			StatusCode: resp.StatusCode,
		}
	}

	if len(parsed.Errors) > 0 {
		firstErr := parsed.Errors[0]
		return nil, &HTTPError{
			InnerError:      mapAnalyticsError(firstErr),
			Endpoint:        resp.Endpoint,
			StatusCode:      resp.StatusCode,
			ClientContextID: parsed.ClientContextID,
			ErrorText:       fmt.Sprintf("[%d] %s", firstErr.Code, firstErr.Message),
		}
	}

	return &AnalyticsResult{
		Rows: parsed.Results,
		MetaData: AnalyticsMetaData{
			RequestID:       parsed.RequestID,
			ClientContextID: parsed.ClientContextID,
			Status:          parsed.Status,
			Signature:       parsed.Signature,
			Metrics:         parsed.Metrics,
		},
	}, nil
}

// AnalyticsQuery executes a statement against the analytics service.
func (c *Cluster) AnalyticsQuery(ctx context.Context, opts AnalyticsOptions) (*AnalyticsResult, error) {
	contextID := opts.ClientContextID
	if contextID == "" {
		contextID = c.nextContextID()
	}

	body, err := encodeAnalyticsRequest(opts, contextID)
	if err != nil {
		return nil, err
	}

	headers := map[string]string{}
	if opts.Priority {
		headers["Analytics-Priority"] = "-1"
	}

	resp, err := c.doHTTPRequest(ctx, &httpRequest{
		Service:     CbasService,
		Method:      "POST",
		Path:        "/analytics/service",
		ContentType: "application/json",
		Headers:     headers,
		Body:        body,
		Idempotent:  opts.Readonly,
		ContextID:   contextID,
		Timeout:     c.opts.Timeouts.AnalyticsTimeout,
	})
	if err != nil {
		return nil, err
	}

	return decodeAnalyticsResponse(resp)
}
