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

	"github.com/pkg/errors"
)

// SearchOptions are the options of Cluster.SearchQuery.  Query takes the
// JSON query tree of the search service verbatim.
type SearchOptions struct {
	IndexName       string
	Query           json.RawMessage
	Limit           uint32
	Skip            uint32
	Explain         bool
	Fields          []string
	Sort            []string
	Facets          map[string]json.RawMessage
	ConsistentWith  *MutationState
	ClientContextID string
}

func encodeSearchRequest(opts SearchOptions) ([]byte, error) {
	if opts.IndexName == "" || len(opts.Query) == 0 {
		return nil, ErrInvalidArgument
	}

	body := map[string]interface{}{
		"query": opts.Query,
	}
	if opts.Limit > 0 {
		body["size"] = opts.Limit
	}
	if opts.Skip > 0 {
		body["from"] = opts.Skip
	}
	if opts.Explain {
		body["explain"] = true
	}
	if len(opts.Fields) > 0 {
		body["fields"] = opts.Fields
	}
	if len(opts.Sort) > 0 {
		body["sort"] = opts.Sort
	}
	if len(opts.Facets) > 0 {
		body["facets"] = opts.Facets
	}
	if opts.ConsistentWith != nil {
		vectors := make(map[string]map[string]uint64)
		for _, token := range opts.ConsistentWith.Tokens() {
			key := fmt.Sprintf("%d/%d", token.VbID, token.VbUUID)
			if vectors[token.BucketName] == nil {
				vectors[token.BucketName] = make(map[string]uint64)
			}
			vectors[token.BucketName][key] = token.SeqNo
		}
		body["ctl"] = map[string]interface{}{
			"consistency": map[string]interface{}{
				"level":   "at_plus",
				"vectors": vectors,
			},
		}
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(ErrEncodingFailure, err.Error())
	}
	return encoded, nil
}

// SearchRow is one hit of a search response.
type SearchRow struct {
	Index     string                     `json:"index"`
	ID        string                     `json:"id"`
	Score     float64                    `json:"score"`
	Fields    json.RawMessage            `json:"fields"`
	Locations json.RawMessage            `json:"locations"`
	Fragments map[string][]string        `json:"fragments"`
	Explanation json.RawMessage          `json:"explanation"`
}

// SearchMetaData carries the status portion of a search response.
type SearchMetaData struct {
	TotalHits uint64
	MaxScore  float64
	Took      uint64
	Errors    map[string]string
}

// SearchResult is the typed reply of a search query.
type SearchResult struct {
	Rows     []SearchRow
	Facets   map[string]json.RawMessage
	MetaData SearchMetaData
}

type searchResponseJson struct {
	Status struct {
		Total      uint64            `json:"total"`
		Failed     uint64            `json:"failed"`
		Successful uint64            `json:"successful"`
		Errors     map[string]string `json:"errors"`
	} `json:"status"`
	Hits      []SearchRow                `json:"hits"`
	TotalHits uint64                     `json:"total_hits"`
	MaxScore  float64                    `json:"max_score"`
	Took      uint64                     `json:"took"`
	Facets    map[string]json.RawMessage `json:"facets"`
	Error     string                     `json:"error"`
}

func decodeSearchResponse(resp *httpResponse) (*SearchResult, error) {
	switch resp.StatusCode {
	case 200:
	case 400:
		var parsed searchResponseJson
		_ = json.Unmarshal(resp.Body, &parsed)
		return nil, &HTTPError{
			InnerError: ErrInvalidArgument,
			Endpoint:   resp.Endpoint,
			StatusCode: resp.StatusCode,
			ErrorText:  parsed.Error,
		}
	case 401, 403:
		return nil, &HTTPError{
			InnerError: ErrAuthenticationFailure,
			Endpoint:   resp.Endpoint,
			StatusCode: resp.StatusCode,
		}
	case 404:
		return nil, &HTTPError{
			InnerError: ErrIndexNotFound,
			Endpoint:   resp.Endpoint,
			StatusCode: resp.StatusCode,
		}
	case 429:
		return nil, &HTTPError{
			InnerError: ErrRateLimited,
			Endpoint:   resp.Endpoint,
			StatusCode: resp.StatusCode,
		}
	default:
		return nil, &HTTPError{
			InnerError: ErrInternalServerFailure,
			Endpoint:   resp.Endpoint,
			StatusCode: resp.StatusCode,
		}
	}

	var parsed searchResponseJson
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, &HTTPError{
			InnerError: ErrDecodingFailure,
			Endpoint:   resp.Endpoint,
			StatusCode: resp.StatusCode,
		}
	}

	return &SearchResult{
		Rows:   parsed.Hits,
		Facets: parsed.Facets,
		MetaData: SearchMetaData{
			TotalHits: parsed.TotalHits,
			MaxScore:  parsed.MaxScore,
			Took:      parsed.Took,
			Errors:    parsed.Status.Errors,
		},
	}, nil
}

// SearchQuery executes a full-text query against a search index.
func (c *Cluster) SearchQuery(ctx context.Context, opts SearchOptions) (*SearchResult, error) {
	body, err := encodeSearchRequest(opts)
	if err != nil {
		return nil, err
	}

	resp, err := c.doHTTPRequest(ctx, &httpRequest{
		Service:     FtsService,
		Method:      "POST",
		Path:        fmt.Sprintf("/api/index/%s/query", url.PathEscape(opts.IndexName)),
		ContentType: "application/json",
		Body:        body,
		Idempotent:  true,
		ContextID:   opts.ClientContextID,
		Timeout:     c.opts.Timeouts.SearchTimeout,
	})
	if err != nil {
		return nil, err
	}

	return decodeSearchResponse(resp)
}
