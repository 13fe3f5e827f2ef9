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
	"encoding/binary"
	"sync"

	"github.com/couchbaselabs/gocbclient/memd"
)

const defaultScopeAndCollection = "_default"

// GetCollectionIDRequest resolves a scope/collection pair to its id.
type GetCollectionIDRequest struct {
	ScopeName      string
	CollectionName string
}

func (req *GetCollectionIDRequest) Encode() (*memd.Packet, error) {
	return &memd.Packet{
		Magic:   memd.CmdMagicReq,
		Command: memd.CmdCollectionsGetID,
		Value:   []byte(req.ScopeName + "." + req.CollectionName),
	}, nil
}

// GetCollectionIDResponse is the typed reply of a GetCollectionIDRequest.
type GetCollectionIDResponse struct {
	ManifestID   uint64
	CollectionID uint32
}

func (resp *GetCollectionIDResponse) Decode(pak *memd.Packet) error {
	if pak.Status == memd.StatusCollectionUnknown {
		return ErrCollectionNotFound
	}
	if pak.Status == memd.StatusScopeUnknown {
		return ErrScopeNotFound
	}
	if err := kvStatusToError(pak.Status); err != nil {
		return err
	}
	if len(pak.Extras) != 12 {
		return ErrDecodingFailure
	}
	resp.ManifestID = binary.BigEndian.Uint64(pak.Extras[0:])
	resp.CollectionID = binary.BigEndian.Uint32(pak.Extras[8:])
	return nil
}

// collectionsCache maps scope/collection names to collection ids.  A cached
// id is only valid against the config revision that produced it; the bucket
// invalidates the cache on every config change.
type collectionsCache struct {
	lock sync.Mutex
	ids  map[string]uint32
}

func newCollectionsCache() *collectionsCache {
	return &collectionsCache{
		ids: make(map[string]uint32),
	}
}

func collectionCacheKey(scopeName, collectionName string) string {
	return scopeName + "." + collectionName
}

func (cache *collectionsCache) Get(scopeName, collectionName string) (uint32, bool) {
	cache.lock.Lock()
	cid, ok := cache.ids[collectionCacheKey(scopeName, collectionName)]
	cache.lock.Unlock()
	return cid, ok
}

func (cache *collectionsCache) Put(scopeName, collectionName string, cid uint32) {
	cache.lock.Lock()
	cache.ids[collectionCacheKey(scopeName, collectionName)] = cid
	cache.lock.Unlock()
}

// Invalidate drops every cached id.  Called when a new config is installed.
func (cache *collectionsCache) Invalidate() {
	cache.lock.Lock()
	cache.ids = make(map[string]uint32)
	cache.lock.Unlock()
}

// resolveCollectionID returns the collection id for a scope/collection pair,
// resolving it through the session when not cached.  The default collection
// is always id 0.
func (b *Bucket) resolveCollectionID(ctx context.Context, session *memdSession, scopeName, collectionName string) (uint32, error) {
	if scopeName == "" {
		scopeName = defaultScopeAndCollection
	}
	if collectionName == "" {
		collectionName = defaultScopeAndCollection
	}
	if scopeName == defaultScopeAndCollection && collectionName == defaultScopeAndCollection {
		return 0, nil
	}

	if !session.HasFeature(memd.FeatureCollections) {
		return 0, ErrFeatureNotAvailable
	}

	if cid, ok := b.collections.Get(scopeName, collectionName); ok {
		return cid, nil
	}

	req := &GetCollectionIDRequest{ScopeName: scopeName, CollectionName: collectionName}
	pak, err := req.Encode()
	if err != nil {
		return 0, err
	}

	respPak, err := session.execute(ctx, pak, false)
	if err != nil {
		return 0, err
	}

	var resp GetCollectionIDResponse
	if err := resp.Decode(respPak); err != nil {
		return 0, err
	}

	b.collections.Put(scopeName, collectionName, resp.CollectionID)
	return resp.CollectionID, nil
}
