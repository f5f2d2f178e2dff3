package observability

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownManager_ReverseOrder(t *testing.T) {
	sm := NewShutdownManager(NewLogger(InfoLevel, &bytes.Buffer{}), time.Second)

	var order []string
	sm.Register("database", func(context.Context) error {
		order = append(order, "database")
		return nil
	})
	sm.Register("cache", func(context.Context) error {
		order = append(order, "cache")
		return nil
	})

	require.NoError(t, sm.Shutdown())
	assert.Equal(t, []string{"cache", "database"}, order)
}

func TestShutdownManager_CollectsErrors(t *testing.T) {
	sm := NewShutdownManager(NewLogger(InfoLevel, &bytes.Buffer{}), time.Second)

	ran := false
	sm.Register("first", func(context.Context) error {
		ran = true
		return nil
	})
	sm.Register("second", func(context.Context) error {
		return errors.New("close failed")
	})

	err := sm.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "second: close failed")
	assert.True(t, ran, "later failures must not stop earlier registrations")
}

func TestShutdownManager_StopsServer(t *testing.T) {
	srv := &http.Server{Addr: "127.0.0.1:0"}
	sm := NewShutdownManager(NewLogger(InfoLevel, &bytes.Buffer{}), 0, srv)
	assert.Equal(t, 30*time.Second, sm.timeout)
	assert.NoError(t, sm.Shutdown())
}

func TestShutdownManager_WaitForSignalContextCancel(t *testing.T) {
	sm := NewShutdownManager(NewLogger(InfoLevel, &bytes.Buffer{}), time.Second)
	called := make(chan struct{}, 1)
	sm.Register("probe", func(context.Context) error {
		called <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, sm.WaitForSignal(ctx))

	select {
	case <-called:
	default:
		t.Fatal("expected shutdown function to run")
	}
}
