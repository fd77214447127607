package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultFallbackCount   = 200
	DefaultFallbackTimeout = 10 * time.Second
	maxFallbackBody        = 16 << 20
)

// Snapshotter pulls recent records when no live channel is available.
type Snapshotter interface {
	Fetch(ctx context.Context) ([]TransactionRecord, error)
}

// FallbackRetriever provides a one-shot HTTP client for the transactions
// query endpoint.
type FallbackRetriever struct {
	url        string
	count      int
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewFallbackRetriever creates a retriever for endpoint, e.g.
// "http://127.0.0.1:8765/transactions".
func NewFallbackRetriever(endpoint string, count int, timeout time.Duration, logger zerolog.Logger) *FallbackRetriever {
	if count <= 0 {
		count = DefaultFallbackCount
	}
	if timeout <= 0 {
		timeout = DefaultFallbackTimeout
	}
	return &FallbackRetriever{
		url:   endpoint,
		count: count,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With().Str("component", "fallback").Logger(),
	}
}

type transactionsResponse struct {
	Transactions []json.RawMessage `json:"transactions"`
}

// Fetch issues a single GET and returns the valid records, newest first.
// Every failure is a *FallbackError.
func (f *FallbackRetriever) Fetch(ctx context.Context) ([]TransactionRecord, error) {
	u, err := url.Parse(f.url)
	if err != nil {
		return nil, &FallbackError{URL: f.url, Err: fmt.Errorf("parsing url: %w", err)}
	}
	q := u.Query()
	q.Set("n", strconv.Itoa(f.count))
	u.RawQuery = q.Encode()
	target := u.String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &FallbackError{URL: target, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, &FallbackError{URL: target, Err: fmt.Errorf("executing request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FallbackError{URL: target, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFallbackBody))
	if err != nil {
		return nil, &FallbackError{URL: target, Err: fmt.Errorf("reading response: %w", err)}
	}

	var parsed transactionsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &FallbackError{URL: target, Err: fmt.Errorf("unmarshaling response: %w", err)}
	}
	if parsed.Transactions == nil {
		return nil, &FallbackError{URL: target, Err: fmt.Errorf("response has no transactions array")}
	}

	records := make([]TransactionRecord, 0, len(parsed.Transactions))
	for _, raw := range parsed.Transactions {
		var rec TransactionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			f.logger.Debug().Err(err).Msg("skipping undecodable record")
			continue
		}
		if err := rec.Normalize(); err != nil {
			f.logger.Debug().Err(err).Msg("skipping invalid record")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}
