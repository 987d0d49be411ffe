// Package app_test contains unit tests for the app package.
package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskprogress/internal/app"
	"github.com/JakeFAU/taskprogress/internal/config"
)

func testConfig() config.Config {
	return config.Config{
		Server:   config.ServerConfig{Port: 8080},
		Progress: config.ProgressConfig{InitialDelay: 10 * time.Millisecond, BatchPeriod: 10 * time.Millisecond},
		Bridge:   config.BridgeConfig{WarmupDelay: 10 * time.Millisecond, GraceTimeout: time.Second},
	}
}

func TestNewApp_Success(t *testing.T) {
	t.Parallel()

	a, err := app.NewApp(testConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	assert.NotNil(t, a.GetLogger())
	assert.NotNil(t, a.GetRegistry())
	assert.NotNil(t, a.GetMetrics())
	assert.NotNil(t, a.GetLoop())
	assert.NotNil(t, a.GetService())
	assert.NotNil(t, a.GetBridge())
	assert.NotNil(t, a.GetSnapshot())
	assert.Equal(t, 8080, a.GetConfig().Server.Port)
}

func TestNewApp_WiresSinks(t *testing.T) {
	t.Parallel()

	a, err := app.NewApp(testConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.GetLoop().Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		a.Close()
	})

	h := a.GetService().Create("wired")
	h.StartDeterminate(2)
	h.Progress(1)

	require.Eventually(t, func() bool {
		_, ok := a.GetSnapshot().Get(h.ID())
		return ok
	}, time.Second, 5*time.Millisecond)

	families, err := a.GetRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["taskprogress_tasks_shown_total"])
	assert.True(t, names["progress_scheduler_ticks_total"])
	h.Finish()
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	a, err := app.NewApp(testConfig(), zap.NewNop())
	require.NoError(t, err)
	a.Close()
	a.Close()
}
