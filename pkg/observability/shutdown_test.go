package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownManager_Order(t *testing.T) {
	logger, _ := test.NewNullLogger()
	sm := NewShutdownManager(logger, time.Second)

	var order []string
	for _, name := range []string{"change stream", "dispatcher", "database"} {
		name := name
		sm.RegisterShutdownFunc(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	require.NoError(t, sm.Shutdown())
	assert.Equal(t, []string{"change stream", "dispatcher", "database"}, order)
}

func TestShutdownManager_Errors(t *testing.T) {
	logger, hook := test.NewNullLogger()
	sm := NewShutdownManager(logger, time.Second)

	var ran bool
	sm.RegisterShutdownFunc("dispatcher", func(context.Context) error { return errors.New("drain timed out") })
	sm.RegisterShutdownFunc("database", func(context.Context) error { ran = true; return nil })

	err := sm.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatcher: drain timed out")
	assert.True(t, ran, "later functions still run after a failure")
	assert.Equal(t, "dispatcher", hook.LastEntry().Data["component"])
}

func TestShutdownManager_Timeout(t *testing.T) {
	logger, _ := test.NewNullLogger()
	sm := NewShutdownManager(logger, 20*time.Millisecond)

	var ran bool
	sm.RegisterShutdownFunc("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	sm.RegisterShutdownFunc("after", func(context.Context) error { ran = true; return nil })

	err := sm.Shutdown()
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ran)
}

func TestShutdownManager_Servers(t *testing.T) {
	logger, _ := test.NewNullLogger()

	server := httptest.NewUnstartedServer(http.NotFoundHandler())
	server.Start()
	defer server.Close()

	sm := NewShutdownManager(logger, time.Second, server.Config, nil)
	require.NoError(t, sm.Shutdown())

	_, err := http.Get(server.URL)
	assert.Error(t, err)
}

func TestWaitForShutdown_Context(t *testing.T) {
	logger, _ := test.NewNullLogger()
	sm := NewShutdownManager(logger, 0)
	assert.Equal(t, 30*time.Second, sm.shutdownTimeout)

	var called bool
	sm.RegisterShutdownFunc("scheduler", func(context.Context) error { called = true; return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, sm.WaitForShutdown(ctx))
	assert.True(t, called)
}
