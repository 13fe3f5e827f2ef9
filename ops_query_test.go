package gocbclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/couchbaselabs/gocbclient/cbconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeQueryRequest(t *testing.T) {
	body, err := encodeQueryRequest(QueryOptions{
		Statement:            "SELECT * FROM b WHERE META().id = $1",
		PositionalParameters: []interface{}{"doc-1"},
		Readonly:             false,
		ScanConsistency:      QueryScanConsistencyRequestPlus,
		MaxParallelism:       4,
	}, "ctx-1")
	require.NoError(t, err)

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &parsed))
	assert.Equal(t, "SELECT * FROM b WHERE META().id = $1", parsed["statement"])
	assert.Equal(t, "ctx-1", parsed["client_context_id"])
	assert.Equal(t, "request_plus", parsed["scan_consistency"])
	assert.Equal(t, []interface{}{"doc-1"}, parsed["args"])
	assert.Equal(t, "4", parsed["max_parallelism"])
	_, hasReadonly := parsed["readonly"]
	assert.False(t, hasReadonly)
}

func TestEncodeQueryRequestNamedParameters(t *testing.T) {
	body, err := encodeQueryRequest(QueryOptions{
		Statement:       "SELECT * FROM b WHERE type = $type",
		NamedParameters: map[string]interface{}{"type": "airline"},
		Readonly:        true,
	}, "ctx-2")
	require.NoError(t, err)

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &parsed))
	assert.Equal(t, "airline", parsed["$type"])
	assert.Equal(t, true, parsed["readonly"])
}

func TestEncodeQueryRequestConsistentWith(t *testing.T) {
	state := NewMutationState(MutationToken{
		VbID:       12,
		VbUUID:     0xcafe,
		SeqNo:      42,
		BucketName: "default",
	})

	body, err := encodeQueryRequest(QueryOptions{
		Statement:      "SELECT 1",
		ConsistentWith: state,
	}, "ctx-3")
	require.NoError(t, err)

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &parsed))
	assert.Equal(t, "at_plus", parsed["scan_consistency"])

	vectors := parsed["scan_vectors"].(map[string]interface{})
	bucketVectors := vectors["default"].(map[string]interface{})
	entry := bucketVectors["12"].([]interface{})
	assert.Equal(t, float64(42), entry[0])
	assert.Equal(t, "51966", entry[1])
}

func TestEncodeQueryRequestValidation(t *testing.T) {
	_, err := encodeQueryRequest(QueryOptions{}, "ctx")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = encodeQueryRequest(QueryOptions{
		Statement:            "SELECT 1",
		NamedParameters:      map[string]interface{}{"a": 1},
		PositionalParameters: []interface{}{1},
	}, "ctx")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = encodeQueryRequest(QueryOptions{
		Statement:       "SELECT 1",
		ScanConsistency: QueryScanConsistencyRequestPlus,
		ConsistentWith:  NewMutationState(MutationToken{BucketName: "b", VbID: 1}),
	}, "ctx")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestMapQueryError(t *testing.T) {
	assert.ErrorIs(t, mapQueryError(queryErrorJson{Code: 3000}), ErrParsingFailure)
	assert.ErrorIs(t, mapQueryError(queryErrorJson{Code: 4010}), ErrPlanningFailure)
	assert.ErrorIs(t, mapQueryError(queryErrorJson{Code: 4040}), ErrPreparedStatementFailure)
	assert.ErrorIs(t, mapQueryError(queryErrorJson{Code: 12004}), ErrIndexNotFound)
	assert.ErrorIs(t, mapQueryError(queryErrorJson{Code: 12009}), ErrDMLFailure)
	assert.ErrorIs(t, mapQueryError(queryErrorJson{Code: 13014}), ErrAuthenticationFailure)
	assert.ErrorIs(t, mapQueryError(queryErrorJson{Code: 5000}), ErrInternalServerFailure)
	// a server-originated readonly violation surfaces as internal
	assert.ErrorIs(t, mapQueryError(queryErrorJson{Code: 1000}), ErrInternalServerFailure)
}

// testQueryCluster points the query service of a cluster at an HTTP test
// server.
func testQueryCluster(t *testing.T, handler http.Handler) *Cluster {
	httpSrv := httptest.NewServer(handler)
	t.Cleanup(httpSrv.Close)

	srvURL, err := url.Parse(httpSrv.URL)
	require.NoError(t, err)

	cluster := testClusterHandle(t)
	cluster.httpClient = httpSrv.Client()

	configJSON := []byte(`{
		"rev": 1,
		"nodesExt": [
			{"services": {"mgmt": ` + srvURL.Port() + `, "n1ql": ` + srvURL.Port() + `, "cbas": ` + srvURL.Port() + `, "fts": ` + srvURL.Port() + `, "capi": ` + srvURL.Port() + `}, "hostname": "` + srvURL.Hostname() + `"}
		]
	}`)
	config, err := cbconfig.ParseTerseConfig(configJSON, srvURL.Hostname())
	require.NoError(t, err)
	cluster.onGlobalConfig(config)

	return cluster
}

func TestClusterQuerySimple(t *testing.T) {
	cluster := testQueryCluster(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST", r.Method)
		require.Equal(t, "/query/service", r.URL.Path)

		username, password, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "Administrator", username)
		assert.Equal(t, "password", password)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, `SELECT "ruby rules" AS greeting`, body["statement"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"requestID": "req-1",
			"clientContextID": "` + body["client_context_id"].(string) + `",
			"signature": {"greeting": "string"},
			"results": [{"greeting": "ruby rules"}],
			"status": "success",
			"metrics": {"elapsedTime": "1ms", "executionTime": "1ms", "resultCount": 1, "resultSize": 26}
		}`))
	}))

	result, err := cluster.Query(context.Background(), QueryOptions{
		Statement: `SELECT "ruby rules" AS greeting`,
	})
	require.NoError(t, err)

	require.Len(t, result.Rows, 1)
	var row map[string]string
	require.NoError(t, json.Unmarshal(result.Rows[0], &row))
	assert.Equal(t, "ruby rules", row["greeting"])
	assert.Equal(t, "success", result.MetaData.Status)
	assert.Equal(t, uint64(1), result.MetaData.Metrics.ResultCount)
	assert.NotEmpty(t, result.MetaData.ClientContextID)
}

func TestClusterQueryReadonlyViolation(t *testing.T) {
	cluster := testQueryCluster(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{
			"requestID": "req-2",
			"errors": [{"code": 1000, "msg": "The statement is not a readonly request"}],
			"status": "fatal"
		}`))
	}))

	_, err := cluster.Query(context.Background(), QueryOptions{
		Statement: "INSERT INTO b VALUES ('k', {})",
		Readonly:  true,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInternalServerFailure)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Contains(t, httpErr.ErrorText, "1000")
}

func TestClusterQueryNoService(t *testing.T) {
	cluster := testClusterHandle(t)
	// a config with no query nodes at all
	config, err := cbconfig.ParseTerseConfig([]byte(`{
		"rev": 1,
		"nodesExt": [{"services": {"kv": 11210}, "hostname": "10.0.0.1"}]
	}`), "10.0.0.1")
	require.NoError(t, err)
	cluster.onGlobalConfig(config)

	_, err = cluster.Query(context.Background(), QueryOptions{Statement: "SELECT 1"})
	assert.ErrorIs(t, err, ErrServiceNotAvailable)
}
