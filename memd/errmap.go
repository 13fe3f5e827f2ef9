/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package memd

import (
	"encoding/json"
	"strconv"
	"time"
)

// Error map attributes published by the server for each status code.
const (
	ErrMapAttrRetryNow         = "retry-now"
	ErrMapAttrRetryLater       = "retry-later"
	ErrMapAttrAuth             = "auth"
	ErrMapAttrTemp             = "temp"
	ErrMapAttrItemOnly         = "item-only"
	ErrMapAttrConnStateInvalid = "conn-state-invalidated"
	ErrMapAttrFetchConfig      = "fetch-config"
	ErrMapAttrInvalidInput     = "invalid-input"
	ErrMapAttrInternal         = "internal"
	ErrMapAttrSupport          = "support"
)

// ErrorMapRetry describes the server-recommended retry behaviour for a
// status code.
type ErrorMapRetry struct {
	Strategy    string `json:"strategy"`
	Interval    int    `json:"interval"`
	After       int    `json:"after"`
	Ceil        int    `json:"ceil"`
	MaxDuration int    `json:"max-duration"`
}

// CalculateRetryDelay returns the delay before the given retry attempt.
func (retry ErrorMapRetry) CalculateRetryDelay(retryCount uint32) time.Duration {
	var dura int
	switch retry.Strategy {
	case "constant":
		dura = retry.Interval
	case "linear":
		dura = retry.Interval * int(retryCount+1)
	case "exponential":
		dura = retry.Interval
		for i := uint32(0); i < retryCount; i++ {
			dura *= retry.Interval
			if retry.Ceil > 0 && dura > retry.Ceil {
				break
			}
		}
	default:
		dura = retry.Interval
	}
	if retry.Ceil > 0 && dura > retry.Ceil {
		dura = retry.Ceil
	}
	return time.Duration(dura) * time.Millisecond
}

// ErrorMapError describes one status code in the error map.
type ErrorMapError struct {
	Name  string         `json:"name"`
	Desc  string         `json:"desc"`
	Attrs []string       `json:"attrs"`
	Retry *ErrorMapRetry `json:"retry,omitempty"`
}

// HasAttr reports whether this error carries the named attribute.
func (e ErrorMapError) HasAttr(attr string) bool {
	for _, errAttr := range e.Attrs {
		if errAttr == attr {
			return true
		}
	}
	return false
}

// ErrorMap is the server-published classification of every status code.  It
// is the authoritative source of retry decisions for key/value errors.
type ErrorMap struct {
	Version  int
	Revision int
	Errors   map[uint16]ErrorMapError
}

type errorMapJSON struct {
	Version  int                      `json:"version"`
	Revision int                      `json:"revision"`
	Errors   map[string]ErrorMapError `json:"errors"`
}

// ParseErrorMap parses an error map from its JSON representation, as
// returned by the GET_ERROR_MAP command.
func ParseErrorMap(data []byte) (*ErrorMap, error) {
	var raw errorMapJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	errMap := &ErrorMap{
		Version:  raw.Version,
		Revision: raw.Revision,
		Errors:   make(map[uint16]ErrorMapError, len(raw.Errors)),
	}
	for codeStr, errData := range raw.Errors {
		code, err := strconv.ParseUint(codeStr, 16, 16)
		if err != nil {
			return nil, err
		}
		errMap.Errors[uint16(code)] = errData
	}

	return errMap, nil
}

// Lookup returns the entry for a status code, if the map has one.
func (errMap *ErrorMap) Lookup(status StatusCode) (ErrorMapError, bool) {
	if errMap == nil {
		return ErrorMapError{}, false
	}
	entry, ok := errMap.Errors[uint16(status)]
	return entry, ok
}

// ShouldRetry reports whether the error map marks a status as retryable.
func (errMap *ErrorMap) ShouldRetry(status StatusCode) bool {
	entry, ok := errMap.Lookup(status)
	if !ok {
		return false
	}
	return entry.HasAttr(ErrMapAttrRetryNow) || entry.HasAttr(ErrMapAttrRetryLater) ||
		entry.HasAttr(ErrMapAttrTemp)
}
