package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Classification is the upstream model's label for a transaction.
type Classification string

const (
	ClassLegitimate Classification = "LEGITIMATE"
	ClassSuspicious Classification = "SUSPICIOUS"
	ClassUnknown    Classification = "UNKNOWN"
	ClassError      Classification = "ERROR"
)

// ParseClassification maps any unrecognized label to UNKNOWN.
func ParseClassification(s string) Classification {
	switch c := Classification(strings.ToUpper(strings.TrimSpace(s))); c {
	case ClassLegitimate, ClassSuspicious, ClassUnknown, ClassError:
		return c
	default:
		return ClassUnknown
	}
}

func (c *Classification) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*c = ParseClassification(s)
	return nil
}

// Zone-less ISO format written by the upstream producer.
const isoLocalLayout = "2006-01-02T15:04:05.999999999"

// Timestamp accepts RFC3339 and zone-less ISO timestamps (read as UTC).
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// ParseTimestamp parses RFC3339 first, then the zone-less ISO form.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}
	ts, err := time.ParseInLocation(isoLocalLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return ts, nil
}

// Features the upstream classifier always computes. Records missing any of
// them get a zero.
var DefaultFeatureKeys = []string{
	"Month",
	"Day",
	"Hour",
	"time_diff_first_last_received",
	"total_tx_sent",
	"total_tx_sent_unique",
	"mean_value_received",
	"total_received",
	"value_volatility",
	"tx_volatility",
	"send_receive_imbalance",
	"unique_behavior_ratio",
	"is_weekend",
	"is_night",
	"is_business_hours",
	"value_category",
	"value_anomaly",
	"frequency_anomaly",
}

// Features is an open mapping from feature name to value.
type Features map[string]float64

// FillFeatureDefaults returns f with every DefaultFeatureKeys entry present.
// Extra keys are kept as is.
func FillFeatureDefaults(f Features) Features {
	if f == nil {
		f = make(Features, len(DefaultFeatureKeys))
	}
	for _, k := range DefaultFeatureKeys {
		if _, ok := f[k]; !ok {
			f[k] = 0
		}
	}
	return f
}

// Flag reports whether a 0/1 feature is set.
func (f Features) Flag(name string) bool {
	return f[name] == 1
}

// TransactionRecord is one classified transaction. Immutable once received.
type TransactionRecord struct {
	Hash           string         `json:"hash"`
	From           string         `json:"from"`
	To             string         `json:"to,omitempty"`
	ValueEth       float64        `json:"value_eth"`
	GasPrice       float64        `json:"gas_price"`
	Classification Classification `json:"classification"`
	Timestamp      Timestamp      `json:"timestamp"`
	Features       Features       `json:"features"`
}

// Validate rejects records that would break log invariants.
func (r *TransactionRecord) Validate() error {
	if strings.TrimSpace(r.Hash) == "" {
		return &MalformedMessageError{Reason: "transaction without hash"}
	}
	if r.ValueEth < 0 {
		return &MalformedMessageError{Reason: fmt.Sprintf("negative value_eth %v for %s", r.ValueEth, r.Hash)}
	}
	if r.GasPrice < 0 {
		return &MalformedMessageError{Reason: fmt.Sprintf("negative gas_price %v for %s", r.GasPrice, r.Hash)}
	}
	return nil
}

// Normalize validates r and applies ingestion defaults.
func (r *TransactionRecord) Normalize() error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.Classification == "" {
		r.Classification = ClassUnknown
	}
	r.Features = FillFeatureDefaults(r.Features)
	return nil
}

// ShortHash returns the first n characters of the hash.
func (r *TransactionRecord) ShortHash(n int) string {
	return truncHash(r.Hash, n)
}

func truncHash(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
