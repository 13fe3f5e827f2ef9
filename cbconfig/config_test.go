package cbconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTerseConfig(t *testing.T) {
	data := []byte(`{
		"rev": 1484,
		"revEpoch": 2,
		"name": "default",
		"nodeLocator": "vbucket",
		"uuid": "4a02cbd1b1f3a29c5a1dbb19337b3c0b",
		"bucketCapabilities": ["collections", "durableWrite", "xattr"],
		"collectionsManifestUid": "3",
		"nodesExt": [
			{"services": {"kv": 11210, "kvSSL": 11207, "mgmt": 8091, "n1ql": 8093}, "thisNode": true, "hostname": "$HOST"},
			{"services": {"kv": 11210, "mgmt": 8091}, "hostname": "192.168.0.2"}
		],
		"vBucketServerMap": {
			"hashAlgorithm": "CRC",
			"numReplicas": 1,
			"serverList": ["$HOST:11210", "192.168.0.2:11210"],
			"vBucketMap": [[0,1],[1,0],[0,1],[1,-1]]
		}
	}`)

	config, err := ParseTerseConfig(data, "192.168.0.1")
	require.NoError(t, err)

	assert.Equal(t, int64(1484), config.Rev)
	assert.Equal(t, int64(2), config.RevEpoch)
	assert.Equal(t, "default", config.Name)
	require.Len(t, config.NodesExt, 2)
	assert.Equal(t, "192.168.0.1", config.NodesExt[0].Hostname)
	assert.Equal(t, 11207, config.NodesExt[0].Services.KvSsl)
	require.NotNil(t, config.VBucketServerMap)
	assert.Equal(t, "192.168.0.1:11210", config.VBucketServerMap.ServerList[0])
	assert.Equal(t, [][]int{{0, 1}, {1, 0}, {0, 1}, {1, -1}}, config.VBucketServerMap.VBucketMap)
	assert.Contains(t, config.BucketCapabilities, "collections")
}

func TestParseTerseConfigBadPayload(t *testing.T) {
	_, err := ParseTerseConfig([]byte("{"), "10.0.0.1")
	assert.Error(t, err)
}

func TestConfigIsNewerThan(t *testing.T) {
	older := &TerseConfigJson{Rev: 10, RevEpoch: 1}
	newer := &TerseConfigJson{Rev: 11, RevEpoch: 1}
	epochBump := &TerseConfigJson{Rev: 1, RevEpoch: 2}

	assert.True(t, newer.IsNewerThan(older))
	assert.False(t, older.IsNewerThan(newer))
	assert.False(t, newer.IsNewerThan(newer))
	// a new epoch outranks any rev of the old epoch
	assert.True(t, epochBump.IsNewerThan(newer))
	assert.True(t, newer.IsNewerThan(nil))
}

func TestCompareRevisions(t *testing.T) {
	assert.Equal(t, 0, CompareRevisions(nil, nil))
	assert.Equal(t, 0, CompareRevisions([]uint64{5}, []uint64{5, 0}))
	assert.Equal(t, 1, CompareRevisions([]uint64{5, 1}, []uint64{9}))
	assert.Equal(t, -1, CompareRevisions([]uint64{9}, []uint64{5, 1}))
	assert.Equal(t, 1, CompareRevisions([]uint64{6}, []uint64{5}))
}
