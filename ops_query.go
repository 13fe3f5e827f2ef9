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

// QueryScanConsistency specifies the consistency a query demands of indexes.
type QueryScanConsistency string

const (
	// QueryScanConsistencyNotBounded runs against whatever the index holds.
	QueryScanConsistencyNotBounded = QueryScanConsistency("not_bounded")

	// QueryScanConsistencyRequestPlus waits for the index to catch up to
	// the mutations visible when the query arrived.
	QueryScanConsistencyRequestPlus = QueryScanConsistency("request_plus")
)

// QueryProfileMode specifies the profiling detail a query reports back.
type QueryProfileMode string

const (
	QueryProfileModeNone    = QueryProfileMode("off")
	QueryProfileModePhases  = QueryProfileMode("phases")
	QueryProfileModeTimings = QueryProfileMode("timings")
)

// QueryOptions are the options of Cluster.Query.
type QueryOptions struct {
	Statement            string
	ScanConsistency      QueryScanConsistency
	ConsistentWith       *MutationState
	NamedParameters      map[string]interface{}
	PositionalParameters []interface{}
	Readonly             bool
	Profile              QueryProfileMode
	MaxParallelism       uint32
	PipelineBatch        uint32
	PipelineCap          uint32
	ScanCap              uint32
	ClientContextID      string
}

// encodeQueryRequest builds the JSON body of a query request, field by
// field.
func encodeQueryRequest(opts QueryOptions, contextID string) ([]byte, error) {
	if opts.Statement == "" {
		return nil, ErrInvalidArgument
	}
	if opts.ConsistentWith != nil && opts.ScanConsistency != "" &&
		opts.ScanConsistency != QueryScanConsistencyNotBounded {
		return nil, errors.Wrap(ErrInvalidArgument, "cannot combine scan_consistency with consistent_with")
	}

	body := map[string]interface{}{
		"statement":         opts.Statement,
		"client_context_id": contextID,
	}

	if opts.ConsistentWith != nil {
		body["scan_consistency"] = "at_plus"
		body["scan_vectors"] = opts.ConsistentWith.toScanVectors()
	} else if opts.ScanConsistency != "" {
		body["scan_consistency"] = string(opts.ScanConsistency)
	}

	if len(opts.NamedParameters) > 0 && len(opts.PositionalParameters) > 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "cannot combine named and positional parameters")
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
	if opts.Profile != "" {
		body["profile"] = string(opts.Profile)
	}
	if opts.MaxParallelism > 0 {
		body["max_parallelism"] = fmt.Sprintf("%d", opts.MaxParallelism)
	}
	if opts.PipelineBatch > 0 {
		body["pipeline_batch"] = fmt.Sprintf("%d", opts.PipelineBatch)
	}
	if opts.PipelineCap > 0 {
		body["pipeline_cap"] = fmt.Sprintf("%d", opts.PipelineCap)
	}
	if opts.ScanCap > 0 {
		body["scan_cap"] = fmt.Sprintf("%d", opts.ScanCap)
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(ErrEncodingFailure, err.Error())
	}
	return encoded, nil
}

// QueryWarning is one warning attached to a query response.
type QueryWarning struct {
	Code    uint32 `json:"code"`
	Message string `json:"msg"`
}

// QueryMetrics are the execution metrics of a query.
type QueryMetrics struct {
	ElapsedTime   string `json:"elapsedTime"`
	ExecutionTime string `json:"executionTime"`
	ResultCount   uint64 `json:"resultCount"`
	ResultSize    uint64 `json:"resultSize"`
	MutationCount uint64 `json:"mutationCount"`
	SortCount     uint64 `json:"sortCount"`
	ErrorCount    uint64 `json:"errorCount"`
	WarningCount  uint64 `json:"warningCount"`
}

// QueryMetaData carries everything of a query response except the rows.
type QueryMetaData struct {
	RequestID       string
	ClientContextID string
	Status          string
	Signature       json.RawMessage
	Profile         json.RawMessage
	Metrics         QueryMetrics
	Warnings        []QueryWarning
}

// QueryResult is the typed reply of a query.
type QueryResult struct {
	Rows     []json.RawMessage
	MetaData QueryMetaData
}

type queryErrorJson struct {
	Code    uint32 `json:"code"`
	Message string `json:"msg"`
}

type queryResponseJson struct {
	RequestID       string            `json:"requestID"`
	ClientContextID string            `json:"clientContextID"`
	Results         []json.RawMessage `json:"results"`
	Errors          []queryErrorJson  `json:"errors"`
	Status          string            `json:"status"`
	Signature       json.RawMessage   `json:"signature"`
	Profile         json.RawMessage   `json:"profile"`
	Metrics         QueryMetrics      `json:"metrics"`
	Warnings        []QueryWarning    `json:"warnings"`
}

// mapQueryError translates the first server error into the uniform
// namespace.
func mapQueryError(queryErr queryErrorJson) error {
	code := queryErr.Code
	switch {
	case code == 1065:
		return ErrFeatureNotAvailable
	case code == 1080:
		return ErrUnambiguousTimeout
	case code == 3000:
		return ErrParsingFailure
	case code >= 4000 && code < 5000:
		switch code {
		case 4040, 4050, 4060, 4070, 4080, 4090:
			return ErrPreparedStatementFailure
		case 4300:
			return ErrIndexExists
		}
		return ErrPlanningFailure
	case code == 12004, code == 12016:
		return ErrIndexNotFound
	case code == 12009:
		return ErrDMLFailure
	case code == 13014:
		return ErrAuthenticationFailure
	case code >= 12000 && code < 13000:
		return ErrIndexFailure
	case code >= 5000 && code < 6000:
		return ErrInternalServerFailure
	case code >= 10000 && code < 11000:
		return ErrAuthenticationFailure
	}
	return ErrInternalServerFailure
}

// decodeQueryResponse parses a query service reply into the typed result,
// surfacing a status-specific error code.
func decodeQueryResponse(resp *httpResponse) (*QueryResult, error) {
	var parsed queryResponseJson
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
			InnerError:      mapQueryError(firstErr),
			Endpoint:        resp.Endpoint,
			StatusCode:      resp.StatusCode,
			ClientContextID: parsed.ClientContextID,
			ErrorText:       fmt.Sprintf("[%d] %s", firstErr.Code, firstErr.Message),
		}
	}
	if resp.StatusCode != 200 {
		return nil, &HTTPError{
			InnerError:      ErrInternalServerFailure,
			Endpoint:        resp.Endpoint,
			StatusCode:      resp.StatusCode,
			ClientContextID: parsed.ClientContextID,
		}
	}

	return &QueryResult{
		Rows: parsed.Results,
		MetaData: QueryMetaData{
			RequestID:       parsed.RequestID,
			ClientContextID: parsed.ClientContextID,
			Status:          parsed.Status,
			Signature:       parsed.Signature,
			Profile:         parsed.Profile,
			Metrics:         parsed.Metrics,
			Warnings:        parsed.Warnings,
		},
	}, nil
}

// Query executes a N1QL statement against the query service.
func (c *Cluster) Query(ctx context.Context, opts QueryOptions) (*QueryResult, error) {
	contextID := opts.ClientContextID
	if contextID == "" {
		contextID = c.nextContextID()
	}

	body, err := encodeQueryRequest(opts, contextID)
	if err != nil {
		return nil, err
	}

	resp, err := c.doHTTPRequest(ctx, &httpRequest{
		Service:     N1qlService,
		Method:      "POST",
		Path:        "/query/service",
		ContentType: "application/json",
		Body:        body,
		Idempotent:  opts.Readonly,
		ContextID:   contextID,
		Timeout:     c.opts.Timeouts.QueryTimeout,
	})
	if err != nil {
		return nil, err
	}

	return decodeQueryResponse(resp)
}
