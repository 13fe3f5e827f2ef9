package cbconfig

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetcherTerseBucket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/pools/default/b/default", r.URL.Path)

		username, password, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "Administrator", username)
		assert.Equal(t, "password", password)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"rev": 11,
			"name": "default",
			"nodesExt": [{"services": {"kv": 11210}, "hostname": "$HOST"}]
		}`))
	}))
	defer srv.Close()

	fetcher := NewFetcher(FetcherOptions{
		HttpClient: srv.Client(),
		Host:       srv.URL,
		Username:   "Administrator",
		Password:   "password",
	})

	config, err := fetcher.FetchTerseBucket(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, int64(11), config.Rev)
	require.Len(t, config.NodesExt, 1)
	// $HOST is replaced with the host the config was fetched from
	assert.Equal(t, "127.0.0.1", config.NodesExt[0].Hostname)
}

func TestFetcherNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	fetcher := NewFetcher(FetcherOptions{
		HttpClient: srv.Client(),
		Host:       srv.URL,
	})

	_, err := fetcher.FetchNodeServices(context.Background())
	assert.Error(t, err)
}
