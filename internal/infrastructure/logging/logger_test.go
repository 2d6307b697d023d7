package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "chatty"})
	assert.Error(t, err)
}

func TestNewDefaultLevels(t *testing.T) {
	tests := []struct {
		level string
		valid bool
	}{
		{"debug", true},
		{"info", true},
		{"warn", true},
		{"error", true},
		{"verbose", false},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidLevel(tt.level))
		})
	}
}

func TestForProcessNamesLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	base := &Logger{Logger: zap.New(core)}

	wlog := base.ForProcess("WorkerProcess", "worker-3")
	wlog.Info("preRun")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "WorkerProcess", entries[0].LoggerName)
	assert.Equal(t, "worker-3", entries[0].ContextMap()["process"])
	assert.Contains(t, entries[0].ContextMap(), "pid")
}

func TestForProcessOnNilLogger(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() {
		l.ForProcess("Supervisor", "main").Info("ok")
	})
}
