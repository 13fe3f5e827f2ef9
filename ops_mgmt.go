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

// mgmtError maps a management REST failure to the uniform namespace using
// the status code plus the response text.
func mgmtError(resp *httpResponse, notFoundErr, existsErr error) error {
	switch resp.StatusCode {
	case 200, 201, 202, 204:
		return nil
	case 401, 403:
		return &HTTPError{InnerError: ErrAuthenticationFailure, Endpoint: resp.Endpoint, StatusCode: resp.StatusCode}
	case 404:
		return &HTTPError{InnerError: notFoundErr, Endpoint: resp.Endpoint, StatusCode: resp.StatusCode, ErrorText: string(resp.Body)}
	case 429:
		return &HTTPError{InnerError: ErrRateLimited, Endpoint: resp.Endpoint, StatusCode: resp.StatusCode}
	}

	bodyText := string(resp.Body)
	if resp.StatusCode == 400 {
		if existsErr != nil && strings.Contains(strings.ToLower(bodyText), "already exist") {
			return &HTTPError{InnerError: existsErr, Endpoint: resp.Endpoint, StatusCode: resp.StatusCode, ErrorText: bodyText}
		}
		return &HTTPError{InnerError: ErrInvalidArgument, Endpoint: resp.Endpoint, StatusCode: resp.StatusCode, ErrorText: bodyText}
	}

	return &HTTPError{InnerError: ErrInternalServerFailure, Endpoint: resp.Endpoint, StatusCode: resp.StatusCode, ErrorText: bodyText}
}

// BucketSettings describe one bucket of the cluster.
type BucketSettings struct {
	Name           string `json:"name"`
	BucketType     string `json:"bucketType"`
	RAMQuotaMB     uint64 `json:"-"`
	NumReplicas    uint32 `json:"replicaNumber"`
	FlushEnabled   bool   `json:"-"`
	EvictionPolicy string `json:"evictionPolicy"`
}

type bucketSettingsJson struct {
	Name          string `json:"name"`
	BucketType    string `json:"bucketType"`
	ReplicaNumber uint32 `json:"replicaNumber"`
	Quota         struct {
		RawRAM uint64 `json:"rawRAM"`
	} `json:"quota"`
	Controllers struct {
		Flush string `json:"flush"`
	} `json:"controllers"`
	EvictionPolicy string `json:"evictionPolicy"`
}

func (settings *bucketSettingsJson) toSettings() BucketSettings {
	return BucketSettings{
		Name:           settings.Name,
		BucketType:     settings.BucketType,
		RAMQuotaMB:     settings.Quota.RawRAM / 1024 / 1024,
		NumReplicas:    settings.ReplicaNumber,
		FlushEnabled:   settings.Controllers.Flush != "",
		EvictionPolicy: settings.EvictionPolicy,
	}
}

// GetAllBuckets lists every bucket of the cluster.
func (c *Cluster) GetAllBuckets(ctx context.Context) ([]BucketSettings, error) {
	resp, err := c.doHTTPRequest(ctx, &httpRequest{
		Service:    MgmtService,
		Method:     "GET",
		Path:       "/pools/default/buckets",
		Idempotent: true,
	})
	if err != nil {
		return nil, err
	}
	if err := mgmtError(resp, ErrBucketNotFound, nil); err != nil {
		return nil, err
	}

	var parsed []bucketSettingsJson
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, ErrDecodingFailure
	}

	buckets := make([]BucketSettings, 0, len(parsed))
	for _, settings := range parsed {
		buckets = append(buckets, settings.toSettings())
	}
	return buckets, nil
}

// GetBucket retrieves the settings of one bucket.
func (c *Cluster) GetBucket(ctx context.Context, name string) (*BucketSettings, error) {
	resp, err := c.doHTTPRequest(ctx, &httpRequest{
		Service:    MgmtService,
		Method:     "GET",
		Path:       "/pools/default/buckets/" + url.PathEscape(name),
		Idempotent: true,
	})
	if err != nil {
		return nil, err
	}
	if err := mgmtError(resp, ErrBucketNotFound, nil); err != nil {
		return nil, err
	}

	var parsed bucketSettingsJson
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, ErrDecodingFailure
	}
	settings := parsed.toSettings()
	return &settings, nil
}

// CreateBucket creates a bucket.
func (c *Cluster) CreateBucket(ctx context.Context, settings BucketSettings) error {
	if settings.Name == "" || settings.RAMQuotaMB < 100 {
		return ErrInvalidArgument
	}

	form := url.Values{}
	form.Set("name", settings.Name)
	form.Set("ramQuotaMB", fmt.Sprintf("%d", settings.RAMQuotaMB))
	if settings.BucketType != "" {
		form.Set("bucketType", settings.BucketType)
	}
	form.Set("replicaNumber", fmt.Sprintf("%d", settings.NumReplicas))
	if settings.FlushEnabled {
		form.Set("flushEnabled", "1")
	}
	if settings.EvictionPolicy != "" {
		form.Set("evictionPolicy", settings.EvictionPolicy)
	}

	resp, err := c.doHTTPRequest(ctx, &httpRequest{
		Service:     MgmtService,
		Method:      "POST",
		Path:        "/pools/default/buckets",
		ContentType: "application/x-www-form-urlencoded",
		Body:        []byte(form.Encode()),
	})
	if err != nil {
		return err
	}
	return mgmtError(resp, ErrBucketNotFound, ErrBucketExists)
}

// DropBucket removes a bucket.
func (c *Cluster) DropBucket(ctx context.Context, name string) error {
	resp, err := c.doHTTPRequest(ctx, &httpRequest{
		Service: MgmtService,
		Method:  "DELETE",
		Path:    "/pools/default/buckets/" + url.PathEscape(name),
	})
	if err != nil {
		return err
	}
	return mgmtError(resp, ErrBucketNotFound, nil)
}

// FlushBucket removes every document of a bucket.
func (c *Cluster) FlushBucket(ctx context.Context, name string) error {
	resp, err := c.doHTTPRequest(ctx, &httpRequest{
		Service: MgmtService,
		Method:  "POST",
		Path:    "/pools/default/buckets/" + url.PathEscape(name) + "/controller/doFlush",
	})
	if err != nil {
		return err
	}
	return mgmtError(resp, ErrBucketNotFound, nil)
}

// UserRole is one role granted to a user.
type UserRole struct {
	Role       string `json:"role"`
	BucketName string `json:"bucket_name,omitempty"`
}

// User describes one RBAC user.
type User struct {
	Username    string     `json:"id"`
	DisplayName string     `json:"name"`
	Roles       []UserRole `json:"roles"`
	Password    string     `json:"-"`
}

// GetAllUsers lists every local user.
func (c *Cluster) GetAllUsers(ctx context.Context) ([]User, error) {
	resp, err := c.doHTTPRequest(ctx, &httpRequest{
		Service:    MgmtService,
		Method:     "GET",
		Path:       "/settings/rbac/users/local",
		Idempotent: true,
	})
	if err != nil {
		return nil, err
	}
	if err := mgmtError(resp, ErrUserNotFound, nil); err != nil {
		return nil, err
	}

	var users []User
	if err := json.Unmarshal(resp.Body, &users); err != nil {
		return nil, ErrDecodingFailure
	}
	return users, nil
}

// GetUser retrieves one local user.
func (c *Cluster) GetUser(ctx context.Context, username string) (*User, error) {
	resp, err := c.doHTTPRequest(ctx, &httpRequest{
		Service:    MgmtService,
		Method:     "GET",
		Path:       "/settings/rbac/users/local/" + url.PathEscape(username),
		Idempotent: true,
	})
	if err != nil {
		return nil, err
	}
	if err := mgmtError(resp, ErrUserNotFound, nil); err != nil {
		return nil, err
	}

	var user User
	if err := json.Unmarshal(resp.Body, &user); err != nil {
		return nil, ErrDecodingFailure
	}
	return &user, nil
}

// UpsertUser creates or updates a local user.
func (c *Cluster) UpsertUser(ctx context.Context, user User) error {
	if user.Username == "" {
		return ErrInvalidArgument
	}

	roles := make([]string, 0, len(user.Roles))
	for _, role := range user.Roles {
		if role.BucketName != "" {
			roles = append(roles, fmt.Sprintf("%s[%s]", role.Role, role.BucketName))
		} else {
			roles = append(roles, role.Role)
		}
	}

	form := url.Values{}
	form.Set("name", user.DisplayName)
	form.Set("roles", strings.Join(roles, ","))
	if user.Password != "" {
		form.Set("password", user.Password)
	}

	resp, err := c.doHTTPRequest(ctx, &httpRequest{
		Service:     MgmtService,
		Method:      "PUT",
		Path:        "/settings/rbac/users/local/" + url.PathEscape(user.Username),
		ContentType: "application/x-www-form-urlencoded",
		Body:        []byte(form.Encode()),
	})
	if err != nil {
		return err
	}
	return mgmtError(resp, ErrUserNotFound, ErrUserExists)
}

// DropUser removes a local user.
func (c *Cluster) DropUser(ctx context.Context, username string) error {
	resp, err := c.doHTTPRequest(ctx, &httpRequest{
		Service: MgmtService,
		Method:  "DELETE",
		Path:    "/settings/rbac/users/local/" + url.PathEscape(username),
	})
	if err != nil {
		return err
	}
	return mgmtError(resp, ErrUserNotFound, nil)
}

// ScopeSpec describes one scope of a bucket's collections manifest.
type ScopeSpec struct {
	Name        string           `json:"name"`
	Collections []CollectionSpec `json:"collections"`
}

// CollectionSpec describes one collection.
type CollectionSpec struct {
	Name      string `json:"name"`
	ScopeName string `json:"-"`
	MaxTTL    uint32 `json:"maxTTL"`
}

// GetAllScopes retrieves the collections manifest of a bucket.
func (c *Cluster) GetAllScopes(ctx context.Context, bucketName string) ([]ScopeSpec, error) {
	resp, err := c.doHTTPRequest(ctx, &httpRequest{
		Service:    MgmtService,
		Method:     "GET",
		Path:       "/pools/default/buckets/" + url.PathEscape(bucketName) + "/scopes",
		Idempotent: true,
	})
	if err != nil {
		return nil, err
	}
	if err := mgmtError(resp, ErrBucketNotFound, nil); err != nil {
		return nil, err
	}

	var manifest struct {
		Scopes []ScopeSpec `json:"scopes"`
	}
	if err := json.Unmarshal(resp.Body, &manifest); err != nil {
		return nil, ErrDecodingFailure
	}
	for scopeIdx := range manifest.Scopes {
		for collIdx := range manifest.Scopes[scopeIdx].Collections {
			manifest.Scopes[scopeIdx].Collections[collIdx].ScopeName = manifest.Scopes[scopeIdx].Name
		}
	}
	return manifest.Scopes, nil
}

// CreateScope adds a scope to a bucket.
func (c *Cluster) CreateScope(ctx context.Context, bucketName, scopeName string) error {
	form := url.Values{}
	form.Set("name", scopeName)

	resp, err := c.doHTTPRequest(ctx, &httpRequest{
		Service:     MgmtService,
		Method:      "POST",
		Path:        "/pools/default/buckets/" + url.PathEscape(bucketName) + "/scopes",
		ContentType: "application/x-www-form-urlencoded",
		Body:        []byte(form.Encode()),
	})
	if err != nil {
		return err
	}
	return mgmtError(resp, ErrBucketNotFound, ErrScopeExists)
}

// DropScope removes a scope and every collection inside it.
func (c *Cluster) DropScope(ctx context.Context, bucketName, scopeName string) error {
	resp, err := c.doHTTPRequest(ctx, &httpRequest{
		Service: MgmtService,
		Method:  "DELETE",
		Path: "/pools/default/buckets/" + url.PathEscape(bucketName) +
			"/scopes/" + url.PathEscape(scopeName),
	})
	if err != nil {
		return err
	}
	return mgmtError(resp, ErrScopeNotFound, nil)
}

// CreateCollection adds a collection to a scope.
func (c *Cluster) CreateCollection(ctx context.Context, bucketName string, spec CollectionSpec) error {
	if spec.Name == "" || spec.ScopeName == "" {
		return ErrInvalidArgument
	}

	form := url.Values{}
	form.Set("name", spec.Name)
	if spec.MaxTTL > 0 {
		form.Set("maxTTL", fmt.Sprintf("%d", spec.MaxTTL))
	}

	resp, err := c.doHTTPRequest(ctx, &httpRequest{
		Service:     MgmtService,
		Method:      "POST",
		Path: "/pools/default/buckets/" + url.PathEscape(bucketName) +
			"/scopes/" + url.PathEscape(spec.ScopeName) + "/collections",
		ContentType: "application/x-www-form-urlencoded",
		Body:        []byte(form.Encode()),
	})
	if err != nil {
		return err
	}
	return mgmtError(resp, ErrScopeNotFound, ErrCollectionExists)
}

// DropCollection removes a collection.
func (c *Cluster) DropCollection(ctx context.Context, bucketName string, spec CollectionSpec) error {
	if spec.Name == "" || spec.ScopeName == "" {
		return ErrInvalidArgument
	}

	resp, err := c.doHTTPRequest(ctx, &httpRequest{
		Service: MgmtService,
		Method:  "DELETE",
		Path: "/pools/default/buckets/" + url.PathEscape(bucketName) +
			"/scopes/" + url.PathEscape(spec.ScopeName) +
			"/collections/" + url.PathEscape(spec.Name),
	})
	if err != nil {
		return err
	}
	return mgmtError(resp, ErrCollectionNotFound, nil)
}
