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
	"net/url"
	"strings"
)

// ViewStaleMode controls how stale a view result may be.
type ViewStaleMode string

const (
	ViewStaleModeOK           = ViewStaleMode("ok")
	ViewStaleModeFalse        = ViewStaleMode("false")
	ViewStaleModeUpdateAfter  = ViewStaleMode("update_after")
)

// ViewOptions are the options of Bucket.ViewQuery.
type ViewOptions struct {
	DesignDocument string
	ViewName       string
	Stale          ViewStaleMode
	Limit          uint32
	Skip           uint32
	StartKey       interface{}
	EndKey         interface{}
	Key            interface{}
	Keys           []interface{}
	Descending     bool
	DisableReduce  bool
	Group          bool
	GroupLevel     uint32
}

func encodeViewQuery(opts ViewOptions) (string, []byte, error) {
	if opts.DesignDocument == "" || opts.ViewName == "" {
		return "", nil, ErrInvalidArgument
	}

	params := url.Values{}
	addJSONParam := func(name string, value interface{}) error {
		encoded, err := json.Marshal(value)
		if err != nil {
			return ErrEncodingFailure
		}
		params.Set(name, string(encoded))
		return nil
	}

	if opts.Stale != "" {
		params.Set("stale", string(opts.Stale))
	}
	if opts.Limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}
	if opts.Skip > 0 {
		params.Set("skip", fmt.Sprintf("%d", opts.Skip))
	}
	if opts.Descending {
		params.Set("descending", "true")
	}
	if opts.Group {
		params.Set("group", "true")
	}
	if opts.GroupLevel > 0 {
		params.Set("group_level", fmt.Sprintf("%d", opts.GroupLevel))
	}
	if opts.DisableReduce {
		params.Set("reduce", "false")
	}
	if opts.StartKey != nil {
		if err := addJSONParam("startkey", opts.StartKey); err != nil {
			return "", nil, err
		}
	}
	if opts.EndKey != nil {
		if err := addJSONParam("endkey", opts.EndKey); err != nil {
			return "", nil, err
		}
	}
	if opts.Key != nil {
		if err := addJSONParam("key", opts.Key); err != nil {
			return "", nil, err
		}
	}

	// key sets ride in a POST body, everything else in the query string
	var body []byte
	if len(opts.Keys) > 0 {
		encoded, err := json.Marshal(map[string]interface{}{"keys": opts.Keys})
		if err != nil {
			return "", nil, ErrEncodingFailure
		}
		body = encoded
	}

	query := params.Encode()
	if query != "" {
		query = "?" + query
	}
	return query, body, nil
}

// ViewRow is one row of a view response.
type ViewRow struct {
	ID    string          `json:"id"`
	Key   json.RawMessage `json:"key"`
	Value json.RawMessage `json:"value"`
}

// ViewResult is the typed reply of a view query.
type ViewResult struct {
	Rows      []ViewRow
	TotalRows uint64
}

type viewResponseJson struct {
	TotalRows uint64    `json:"total_rows"`
	Rows      []ViewRow `json:"rows"`
	Error     string    `json:"error"`
	Reason    string    `json:"reason"`
}

func decodeViewResponse(resp *httpResponse) (*ViewResult, error) {
	var parsed viewResponseJson
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, &HTTPError{
			InnerError: ErrDecodingFailure,
			Endpoint:   resp.Endpoint,
			StatusCode: resp.StatusCode,
		}
	}

	if parsed.Error != "" || resp.StatusCode != 200 {
		innerErr := ErrInternalServerFailure
		switch {
		case resp.StatusCode == 404 || parsed.Error == "not_found":
			if strings.Contains(parsed.Reason, "design document") {
				innerErr = ErrDesignDocumentNotFound
			} else {
				innerErr = ErrViewNotFound
			}
		case resp.StatusCode == 401 || resp.StatusCode == 403:
			innerErr = ErrAuthenticationFailure
		case parsed.Error == "bad_request":
			innerErr = ErrInvalidArgument
		}
		return nil, &HTTPError{
			InnerError: innerErr,
			Endpoint:   resp.Endpoint,
			StatusCode: resp.StatusCode,
			ErrorText:  fmt.Sprintf("%s: %s", parsed.Error, parsed.Reason),
		}
	}

	return &ViewResult{
		Rows:      parsed.Rows,
		TotalRows: parsed.TotalRows,
	}, nil
}

// ViewQuery executes a map/reduce view against this bucket.
func (b *Bucket) ViewQuery(ctx context.Context, opts ViewOptions) (*ViewResult, error) {
	query, body, err := encodeViewQuery(opts)
	if err != nil {
		return nil, err
	}

	method := "GET"
	contentType := ""
	if len(body) > 0 {
		method = "POST"
		contentType = "application/json"
	}

	resp, err := b.cluster.doHTTPRequest(ctx, &httpRequest{
		Service:     CapiService,
		Method:      method,
		Path: fmt.Sprintf("/%s/_design/%s/_view/%s%s",
			url.PathEscape(b.name),
			url.PathEscape(opts.DesignDocument),
			url.PathEscape(opts.ViewName),
			query),
		ContentType: contentType,
		Body:        body,
		Idempotent:  true,
		Timeout:     b.cluster.opts.Timeouts.ViewTimeout,
	})
	if err != nil {
		return nil, err
	}

	return decodeViewResponse(resp)
}
