package event

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanerRunsInReverseOrder(t *testing.T) {
	var order []string
	loggerClosed := false
	c := NewCleaner(CallableFunc(func(context.Context) error {
		loggerClosed = true
		return nil
	}))

	c.Add(CallableFunc(func(context.Context) error { order = append(order, "database"); return nil }))
	c.Add(CallableFunc(func(context.Context) error { order = append(order, "listener"); return errors.New("boom") }))
	c.Add(CallableFunc(func(context.Context) error { order = append(order, "sessions"); return nil }))

	err := c.Clean()
	require.Error(t, err)
	assert.Equal(t, []string{"sessions", "listener", "database"}, order)
	assert.True(t, loggerClosed)

	c.Add(CallableFunc(func(context.Context) error { order = append(order, "late"); return nil }))
	require.NoError(t, c.Clean())
	assert.Len(t, order, 3)
}

func TestCleanerWaitForSignalHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	called := make(chan struct{}, 1)
	c := NewCleaner(nil)
	c.Add(CallableFunc(func(context.Context) error { called <- struct{}{}; return nil }))

	cancel()
	require.NoError(t, c.WaitForSignal(ctx))
	select {
	case <-called:
	default:
		t.Fatal("cleaner callback was not invoked")
	}
}
