package flags

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/dangsayz/12img.com-sub003/pkg/observability"
)

type stubLookup struct {
	results map[string]bool
	err     error
	panics  bool
	seen    []Subject
}

func (s *stubLookup) Evaluate(_ context.Context, key string, subject Subject) (bool, error) {
	s.seen = append(s.seen, subject)
	if s.panics {
		panic("row decoder exploded")
	}
	return s.results[key], s.err
}

func (s *stubLookup) EvaluateAll(_ context.Context, subject Subject) (map[string]bool, error) {
	s.seen = append(s.seen, subject)
	if s.panics {
		panic("row decoder exploded")
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.results, nil
}

func (s *stubLookup) Name() string { return "stub" }

func TestClient_IsEnabled(t *testing.T) {
	metrics := observability.NewTestMetrics()
	client := NewClient(&stubLookup{results: map[string]bool{"on": true}}, nil, metrics)

	assert.True(t, client.IsEnabled(context.Background(), "on", "u-1", "", ""))
	assert.False(t, client.IsEnabled(context.Background(), "off", "u-1", "", ""))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.FlagEvaluationsTotal.WithLabelValues("true")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.FlagEvaluationsTotal.WithLabelValues("false")))
}

func TestClient_NormalizesEmailBeforeLookup(t *testing.T) {
	lookup := &stubLookup{}
	client := NewClient(lookup, nil, nil)

	client.IsEnabled(context.Background(), "k", "", "", "\t Ada@Example.COM\n")
	client.EvaluateKeys(context.Background(), nil, Subject{UserEmail: " \u00c9lise@Example.com"})

	assert.Equal(t, []Subject{
		{UserEmail: "ada@example.com"},
		{UserEmail: "\u00c9lise@example.com"},
	}, lookup.seen)
}

func TestClient_IsEnabledFailsClosed(t *testing.T) {
	var buf bytes.Buffer
	metrics := observability.NewTestMetrics()
	logger := observability.NewLogger(observability.InfoLevel, &buf)

	client := NewClient(&stubLookup{results: map[string]bool{"on": true}, err: errors.New("db down")}, logger, metrics)
	assert.False(t, client.IsEnabled(context.Background(), "on", "u-1", "", ""))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.FlagEvaluationErrors.WithLabelValues("lookup")))
	assert.Contains(t, buf.String(), "flag lookup failed")

	client = NewClient(&stubLookup{panics: true}, logger, metrics)
	assert.NotPanics(t, func() {
		assert.False(t, client.IsEnabled(context.Background(), "on", "u-1", "", ""))
	})
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.FlagEvaluationErrors.WithLabelValues("panic")))
}

func TestClient_EvaluateKeys(t *testing.T) {
	client := NewClient(&stubLookup{results: map[string]bool{"a": true, "b": false, "c": true}}, nil, nil)

	got := client.EvaluateKeys(context.Background(), []string{"a", "b", "missing"}, Subject{})
	assert.Equal(t, map[string]bool{"a": true, "b": false, "missing": false}, got)

	got = client.EvaluateKeys(context.Background(), nil, Subject{})
	assert.Equal(t, map[string]bool{"a": true, "b": false, "c": true}, got)
}

func TestClient_EvaluateKeysFailsClosed(t *testing.T) {
	client := NewClient(&stubLookup{err: errors.New("timeout")}, nil, nil)
	got := client.EvaluateKeys(context.Background(), []string{"a"}, Subject{})
	assert.Equal(t, map[string]bool{"a": false}, got)

	client = NewClient(&stubLookup{panics: true}, nil, nil)
	assert.NotPanics(t, func() {
		got = client.EvaluateKeys(context.Background(), []string{"a"}, Subject{})
	})
	assert.Equal(t, map[string]bool{"a": false}, got)
}
