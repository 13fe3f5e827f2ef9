/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package cbconfig

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// VBucketServerMapJson is the vbucket map portion of a terse bucket config.
// Each vbucket entry lists node indexes into ServerList, position 0 being
// the active node and the remainder replicas.
type VBucketServerMapJson struct {
	HashAlgorithm string   `json:"hashAlgorithm"`
	NumReplicas   int      `json:"numReplicas"`
	ServerList    []string `json:"serverList"`
	VBucketMap    [][]int  `json:"vBucketMap"`
}

// TerseNodePortsJson lists the service ports of one node, plain and TLS.
type TerseNodePortsJson struct {
	Kv      int `json:"kv,omitempty"`
	KvSsl   int `json:"kvSSL,omitempty"`
	Capi    int `json:"capi,omitempty"`
	CapiSsl int `json:"capiSSL,omitempty"`
	Mgmt    int `json:"mgmt,omitempty"`
	MgmtSsl int `json:"mgmtSSL,omitempty"`
	N1ql    int `json:"n1ql,omitempty"`
	N1qlSsl int `json:"n1qlSSL,omitempty"`
	Fts     int `json:"fts,omitempty"`
	FtsSsl  int `json:"ftsSSL,omitempty"`
	Cbas    int `json:"cbas,omitempty"`
	CbasSsl int `json:"cbasSSL,omitempty"`
}

// TerseExtNodeAltAddressJson is an alternate address entry for one node.
type TerseExtNodeAltAddressJson struct {
	Hostname string              `json:"hostname"`
	Ports    *TerseNodePortsJson `json:"ports,omitempty"`
}

// TerseExtNodeJson is one entry of the nodesExt array of a terse config.
type TerseExtNodeJson struct {
	Services     TerseNodePortsJson                    `json:"services"`
	ThisNode     bool                                  `json:"thisNode,omitempty"`
	Hostname     string                                `json:"hostname"`
	NodeUUID     string                                `json:"nodeUUID,omitempty"`
	AltAddresses map[string]TerseExtNodeAltAddressJson `json:"alternateAddresses,omitempty"`
}

// TerseConfigJson is the JSON model of a terse cluster or bucket config as
// served by /pools/default/b/{bucket}, /pools/default/nodeServices and the
// GET_CLUSTER_CONFIG command.
type TerseConfigJson struct {
	Rev                    int64                  `json:"rev"`
	RevEpoch               int64                  `json:"revEpoch,omitempty"`
	Name                   string                 `json:"name,omitempty"`
	NodeLocator            string                 `json:"nodeLocator,omitempty"`
	UUID                   string                 `json:"uuid,omitempty"`
	URI                    string                 `json:"uri,omitempty"`
	StreamingURI           string                 `json:"streamingUri,omitempty"`
	BucketType             string                 `json:"bucketType,omitempty"`
	BucketCapabilitiesVer  string                 `json:"bucketCapabilitiesVer,omitempty"`
	BucketCapabilities     []string               `json:"bucketCapabilities,omitempty"`
	CollectionsManifestUID string                 `json:"collectionsManifestUid,omitempty"`
	ClusterCapabilitiesVer []int                  `json:"clusterCapabilitiesVer,omitempty"`
	ClusterCapabilities    map[string][]string    `json:"clusterCapabilities,omitempty"`
	NodesExt               []TerseExtNodeJson     `json:"nodesExt,omitempty"`
	VBucketServerMap       *VBucketServerMapJson  `json:"vBucketServerMap,omitempty"`
}

// Revision returns this config's revision as a comparable array, least
// significant element first.
func (config *TerseConfigJson) Revision() []uint64 {
	return []uint64{uint64(config.Rev), uint64(config.RevEpoch)}
}

// IsNewerThan reports whether this config's revision is strictly newer than
// the other's.  A nil other is always older.
func (config *TerseConfigJson) IsNewerThan(other *TerseConfigJson) bool {
	if other == nil {
		return true
	}
	return CompareRevisions(config.Revision(), other.Revision()) > 0
}

// ParseTerseConfig parses a terse config payload, replacing the $HOST
// placeholder the server emits for its own hostname with the host the
// config was sourced from.
func ParseTerseConfig(data []byte, sourceHost string) (*TerseConfigJson, error) {
	data = bytes.ReplaceAll(data, []byte("$HOST"), []byte(sourceHost))

	var config TerseConfigJson
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrap(err, "failed to parse terse config")
	}

	return &config, nil
}
