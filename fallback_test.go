package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fallbackServer(t *testing.T, status int, body string, queries chan<- string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if queries != nil {
			queries <- r.URL.Query().Get("n")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFallbackFetch(t *testing.T) {
	n := make(chan string, 1)
	srv := fallbackServer(t, http.StatusOK, `{"transactions":[
		{"hash":"0x2","from":"0xa","value_eth":2,"gas_price":1,"classification":"SUSPICIOUS","timestamp":"2024-01-01T00:00:02"},
		{"hash":"0x1","from":"0xb","value_eth":1,"gas_price":1,"classification":"legitimate","timestamp":"2024-01-01T00:00:01Z"}
	]}`, n)

	records, err := NewFallbackRetriever(srv.URL+"/transactions", 50, time.Second, testLogger).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "50", <-n)
	require.Len(t, records, 2)
	assert.Equal(t, "0x2", records[0].Hash)
	assert.Equal(t, ClassSuspicious, records[0].Classification)
	assert.Equal(t, ClassLegitimate, records[1].Classification)
	assert.Contains(t, records[0].Features, "is_night", "features are filled")
}

func TestFallbackDefaultCount(t *testing.T) {
	n := make(chan string, 1)
	srv := fallbackServer(t, http.StatusOK, `{"transactions":[]}`, n)

	records, err := NewFallbackRetriever(srv.URL, 0, 0, testLogger).Fetch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, "200", <-n)
}

func TestFallbackSkipsInvalidRecords(t *testing.T) {
	srv := fallbackServer(t, http.StatusOK, `{"transactions":[
		{"hash":"","from":"0xa"},
		{"hash":"0xneg","value_eth":-1},
		"not an object",
		{"hash":"0xok","from":"0xa","value_eth":1}
	]}`, nil)

	records, err := NewFallbackRetriever(srv.URL, 10, time.Second, testLogger).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "0xok", records[0].Hash)
	assert.Equal(t, ClassUnknown, records[0].Classification)
}

func TestFallbackErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		code   int
	}{
		{"non-2xx", http.StatusInternalServerError, `{"error":"boom"}`, http.StatusInternalServerError},
		{"invalid json", http.StatusOK, `<html>`, 0},
		{"missing array", http.StatusOK, `{"count":3}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := fallbackServer(t, tt.status, tt.body, nil)
			_, err := NewFallbackRetriever(srv.URL, 10, time.Second, testLogger).Fetch(context.Background())
			var fe *FallbackError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.code, fe.StatusCode)
		})
	}
}

func TestFallbackUnreachable(t *testing.T) {
	url := "http" + closedURL(t)[len("ws"):]
	_, err := NewFallbackRetriever(url, 10, time.Second, testLogger).Fetch(context.Background())
	var fe *FallbackError
	assert.ErrorAs(t, err, &fe)
}

func TestFallbackHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := NewFallbackRetriever(srv.URL, 10, 5*time.Second, testLogger).Fetch(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}
