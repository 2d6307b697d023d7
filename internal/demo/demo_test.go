package demo

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/GriffinCanCode/AgentOS/multiproc/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/process"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/shm"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	process.Init()
	os.Exit(m.Run())
}

func testEnv(t *testing.T) Env {
	cfg := config.Default()
	cfg.Supervisor.Timeout = config.Duration{Duration: 2 * time.Second}
	cfg.Process.StopTimeout = config.Duration{Duration: 5 * time.Second}
	return Env{
		Config:  cfg,
		Logger:  &logging.Logger{Logger: zaptest.NewLogger(t)},
		Metrics: monitoring.NewMetrics(nil),
		Rounds:  2,
	}
}

func TestPing(t *testing.T) {
	e := testEnv(t)
	require.NoError(t, Ping(context.Background(), e))
	assert.Equal(t, int64(2), e.Metrics.Snapshot().Sent)
}

func TestSyncPing(t *testing.T) {
	e := testEnv(t)
	start := time.Now()
	require.NoError(t, SyncPing(context.Background(), e))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, int64(2), e.Metrics.Snapshot().RoundTrips)
}

func TestPingPong(t *testing.T) {
	require.NoError(t, PingPong(context.Background(), testEnv(t)))
}

func TestGrid(t *testing.T) {
	res, err := Grid(context.Background(), testEnv(t), 100, 100, 3.0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.BackendMean)
	assert.Equal(t, 3.0, res.FrontendMean)
}

func TestManager(t *testing.T) {
	cfg := config.Default()
	cfg.Supervisor.Workers = 3
	cfg.Supervisor.Timeout = config.Duration{Duration: 50 * time.Millisecond}
	cfg.Process.StopTimeout = config.Duration{Duration: 5 * time.Second}

	m := NewManager(5*time.Millisecond, 64)
	s, err := supervisor.New(cfg, m, supervisor.WithoutSignals())
	require.NoError(t, err)

	require.NoError(t, s.RunBackground(context.Background()))
	require.Eventually(t, func() bool { return m.Completed() >= 10 }, 10*time.Second, 10*time.Millisecond)
	require.NoError(t, s.StopBackground())

	for _, p := range s.Workers() {
		assert.Equal(t, process.StateStopped, p.State())
	}
	assert.GreaterOrEqual(t, s.Metrics().Snapshot().Received, int64(10))
	assert.Zero(t, m.Mismatched(), "a ready reply disagreed with the worker's shared grid")
	for _, p := range s.Workers() {
		assert.False(t, shm.Exists(shm.NameFor(s.RunID().String()+"-"+p.Name(), "grid")), p.Name())
	}
}
