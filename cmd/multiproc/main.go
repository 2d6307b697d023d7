package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GriffinCanCode/AgentOS/multiproc/internal/demo"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/process"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/supervisor"
	"go.uber.org/zap"
)

func main() {
	// Worker children branch off here and never return.
	process.Init()

	// Parse flags
	mode := flag.String("mode", "manager", "ping | syncping | pingpong | shm | manager | manager-bg")
	configPath := flag.String("config", "", "YAML or TOML config file")
	workers := flag.Int("workers", 0, "Number of workers (manager modes)")
	timeout := flag.Duration("timeout", 0, "Supervisor wait timeout")
	logLevel := flag.String("log-level", "", "debug | info | warn | error")
	dev := flag.Bool("dev", false, "Development logging")
	duration := flag.Duration("duration", 5*time.Second, "How long manager-bg runs")
	rounds := flag.Int("rounds", 3, "Messages per ping scenario")
	rows := flag.Int("rows", 100, "Shared grid rows")
	cols := flag.Int("cols", 100, "Shared grid columns")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *workers > 0 {
		cfg.Supervisor.Workers = *workers
	}
	if *timeout > 0 {
		cfg.Supervisor.Timeout = config.Duration{Duration: *timeout}
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *dev {
		cfg.Logging.Development = true
		if *logLevel == "" {
			cfg.Logging.Level = logging.DevelopmentConfig().Level
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	var logger *logging.Logger
	if *dev && *logLevel == "" {
		logger = logging.NewDevelopment()
	} else {
		logger, err = logging.New(logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
		if err != nil {
			log.Fatalf("Failed to create logger: %v", err)
		}
	}
	defer logger.Sync()

	metrics := monitoring.NewMetrics(nil)
	env := demo.Env{Config: cfg, Logger: logger, Metrics: metrics, Rounds: *rounds}

	if err := run(*mode, env, *duration, *rows, *cols); err != nil {
		logger.Error("Run failed", zap.String("mode", *mode), zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	summarize(logger, metrics)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func run(mode string, env demo.Env, duration time.Duration, rows, cols int) error {
	switch mode {
	case "ping":
		return demo.Ping(context.Background(), env)
	case "syncping":
		return demo.SyncPing(context.Background(), env)
	case "pingpong":
		return demo.PingPong(context.Background(), env)
	case "shm":
		_, err := demo.Grid(context.Background(), env, rows, cols, 2.0)
		return err
	case "manager":
		s, err := newManager(env)
		if err != nil {
			return err
		}
		env.Logger.Info("Supervisor running, Ctrl-C to stop", zap.Int("workers", env.Config.Supervisor.Workers))
		return s.Run(context.Background())
	case "manager-bg":
		return runBackground(env, duration)
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}

func newManager(env demo.Env) (*supervisor.Supervisor, error) {
	return supervisor.New(env.Config, demo.NewManager(50*time.Millisecond, 1000),
		supervisor.WithLogger(env.Logger),
		supervisor.WithMetrics(env.Metrics),
	)
}

// runBackground keeps the supervisor loop off the main goroutine, which only
// waits for the deadline or an interrupt.
func runBackground(env demo.Env, duration time.Duration) error {
	s, err := newManager(env)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.RunBackground(ctx); err != nil {
		return err
	}
	env.Logger.Info("Supervisor running in background", zap.Duration("duration", duration))

	select {
	case <-ctx.Done():
		env.Logger.Info("Interrupted")
	case <-time.After(duration):
	}
	return s.StopBackground()
}

func summarize(logger *logging.Logger, metrics *monitoring.Metrics) {
	values, err := metrics.Gather()
	if err != nil {
		logger.Warn("Failed to gather metrics", zap.Error(err))
		return
	}
	fields := make([]zap.Field, 0, len(values))
	for _, name := range monitoring.Names(values) {
		fields = append(fields, zap.Float64(name, values[name]))
	}
	logger.Info("Metrics", fields...)
}
