package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"pir-motion-cam/camera"
	"pir-motion-cam/config"
	"pir-motion-cam/events"
	"pir-motion-cam/link"
	"pir-motion-cam/motion"
	"pir-motion-cam/scheduler"
	"pir-motion-cam/session"
	"pir-motion-cam/telemetry"
	"pir-motion-cam/update"
	"pir-motion-cam/web"
)

const (
	DefaultConfigPath = "config.toml"
	AppName           = "PIR Motion Camera"
	AppVersion        = "1.0.0"
	logFilePrefix     = "pir-motion-cam"
)

// Application represents the main application
type Application struct {
	config *config.Config
	logger *zap.Logger

	// Components
	pool        *camera.Pool
	sensor      motion.Sensor
	state       *motion.State
	detector    *motion.Detector
	publisher   events.Publisher
	link        link.Monitor
	listener    *net.TCPListener
	scheduler   *scheduler.Scheduler
	diagnostics *web.Server
	cron        *cron.Cron

	telemetryShutdown telemetry.ShutdownFunc

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func main() {
	// Parse command line flags
	var (
		configPath = flag.String("config", DefaultConfigPath, "Path to configuration file (.toml or .yaml)")
		logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides the config file")
		version    = flag.Bool("version", false, "Show version information")
		help       = flag.Bool("help", false, "Show help information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s v%s\n", AppName, AppVersion)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	if *help {
		fmt.Printf("%s v%s\n\n", AppName, AppVersion)
		fmt.Println("Single-client MJPEG camera with PIR and frame-difference motion detection")
		fmt.Println("\nUsage:")
		flag.PrintDefaults()
		fmt.Println("\nEnvironment Variables:")
		fmt.Println("  BALENA_SUPERVISOR_ADDRESS, BALENA_SUPERVISOR_API_KEY - update servicing")
		fmt.Println("  CAM_WIFI_SSID, CAM_WIFI_PASSWORD - network credentials")
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	// Create logger
	logger, err := createLogger(cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting PIR Motion Camera",
		zap.String("version", AppVersion),
		zap.String("go_version", runtime.Version()),
		zap.String("platform", runtime.GOOS+"/"+runtime.GOARCH))

	logger.Info("Configuration loaded",
		zap.String("address", cfg.Server.Address()),
		zap.String("stream_path", cfg.Server.StreamPath),
		zap.String("camera_driver", cfg.Camera.Driver),
		zap.Int("diagnostics_port", cfg.Diagnostics.Port))

	// Create application
	app := NewApplication(cfg, logger)

	// Set up signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	// Start application
	if err := app.Start(ctx); err != nil {
		logger.Fatal("Failed to start application", zap.Error(err))
	}

	// Wait for shutdown signal
	select {
	case sig := <-signalCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	// Graceful shutdown
	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Timeouts.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("Shutdown complete")
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config, logger *zap.Logger) *Application {
	ctx, cancel := context.WithCancel(context.Background())

	return &Application{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start starts all application components. A camera that fails to
// initialize is not fatal: the appliance keeps serving the status page.
func (a *Application) Start(ctx context.Context) error {
	a.logger.Info("Starting application components")

	meter, shutdown, err := telemetry.Setup(ctx, a.config.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	a.telemetryShutdown = shutdown

	metrics, err := telemetry.NewMetrics(meter)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	a.pool = camera.Open(a.config.Camera, a.logger)
	a.sensor = motion.OpenSensor(a.config.Motion, a.logger)
	a.state = motion.NewState()
	a.detector = motion.NewDetector(a.pool, a.sensor, a.state, a.config.Motion, a.logger)

	a.publisher = events.New(a.config.MQTT, a.logger)
	notifier := events.NewNotifier(a.publisher, a.config.MQTT.ClientID, a.logger)

	a.link = link.New(a.config.Network, a.logger)

	if err := a.listen(); err != nil {
		return err
	}

	a.scheduler = scheduler.New(scheduler.Deps{
		Updates:  update.New(a.config.Update, a.logger),
		Link:     a.link,
		Detector: a.detector,
		Events:   notifier,
		Source:   a.pool,
		Motion:   a.state,
		Acceptor: a.listener,
		Metrics:  metrics,
	}, scheduler.Options{
		CheckInterval: a.config.Motion.CheckInterval(),
		AcceptWait:    a.config.Server.AcceptWait(),
		Session:       session.OptionsFromConfig(a.config),
	}, a.logger)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.scheduler.Run(a.ctx); err != nil {
			a.logger.Error("Scheduler stopped with error", zap.Error(err))
		}
	}()

	if err := a.startDiagnostics(); err != nil {
		return err
	}

	if err := a.startStatsReport(); err != nil {
		return err
	}

	a.logger.Info("Application started successfully",
		zap.String("address", a.listener.Addr().String()),
		zap.String("preset", a.pool.Preset().Name),
		zap.Bool("camera_available", a.pool.Available()))

	return nil
}

// listen opens the single-client appliance socket
func (a *Application) listen() error {
	ln, err := net.Listen("tcp", a.config.Server.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.config.Server.Address(), err)
	}
	tcp, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return fmt.Errorf("listener on %s is not TCP", a.config.Server.Address())
	}
	a.listener = tcp
	return nil
}

// startDiagnostics starts the read-only diagnostics server when a port is set
func (a *Application) startDiagnostics() error {
	if a.config.Diagnostics.Port == 0 {
		a.logger.Info("Diagnostics server disabled")
		return nil
	}

	a.diagnostics = web.NewServer(a.config, a.logger)
	h := a.diagnostics.Handlers()
	h.SetCamera(a.pool)
	h.SetMotion(a.state)
	h.SetScheduler(a.scheduler)
	h.SetLink(a.link)

	if err := a.diagnostics.Start(); err != nil {
		return fmt.Errorf("failed to start diagnostics server: %w", err)
	}
	return nil
}

// startStatsReport schedules the periodic stats log line
func (a *Application) startStatsReport() error {
	if a.config.Logging.StatsSchedule == "" {
		return nil
	}

	cl := &cronLogger{logger: a.logger.With(zap.String("component", "cron"))}
	a.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.SkipIfStillRunning(cl)),
	)
	if _, err := a.cron.AddFunc(a.config.Logging.StatsSchedule, a.logStats); err != nil {
		return fmt.Errorf("invalid stats schedule %q: %w", a.config.Logging.StatsSchedule, err)
	}
	a.cron.Start()
	return nil
}

// logStats logs scheduler, pool and publisher counters
func (a *Application) logStats() {
	sched := a.scheduler.Stats()
	pool := a.pool.GetStats()
	det := a.detector.GetStats()

	fields := []zap.Field{
		zap.Uint64("ticks", sched.Ticks),
		zap.Uint64("samples", sched.Samples),
		zap.Uint64("skipped_samples", sched.SkippedSamples),
		zap.Uint64("sessions", sched.Sessions),
		zap.Uint64("streams", sched.Streams),
		zap.Uint64("frames", sched.Frames),
		zap.Uint64("reconnects", sched.Reconnects),
		zap.Uint64("pool_acquired", pool.Acquired),
		zap.Uint64("pool_failures", pool.Failures),
		zap.Int64("pool_outstanding", pool.Outstanding),
		zap.Uint64("detector_skipped", det.Skipped),
		zap.Bool("motion", a.state.Detected()),
	}
	if p, ok := a.publisher.(*events.MQTTPublisher); ok {
		st := p.GetStats()
		fields = append(fields,
			zap.Bool("mqtt_connected", st.Connected),
			zap.Uint64("mqtt_published", st.Published),
			zap.Uint64("mqtt_errors", st.Errors))
	}
	if m, ok := a.link.(*link.InterfaceMonitor); ok {
		st := m.GetStats()
		fields = append(fields, zap.Uint64("link_recovered", st.Recovered))
	}

	a.logger.Info("Stats", fields...)
}

// Stop gracefully stops all application components
func (a *Application) Stop(ctx context.Context) error {
	a.logger.Info("Stopping application")

	// Cancel context, then close the listener so a pending accept returns
	a.cancel()
	if a.listener != nil {
		a.listener.Close()
	}

	if a.cron != nil {
		<-a.cron.Stop().Done()
	}

	if a.diagnostics != nil {
		httpCtx, cancel := context.WithTimeout(ctx, time.Duration(a.config.Timeouts.HTTPShutdownTimeout)*time.Second)
		if err := a.diagnostics.Stop(httpCtx); err != nil {
			a.logger.Error("Error stopping diagnostics server", zap.Error(err))
		}
		cancel()
	}

	// Wait for the scheduler to finish its current session
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("Scheduler stopped gracefully")
	case <-ctx.Done():
		a.logger.Warn("Shutdown timeout reached, forcing exit")
	}

	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Error("Error closing event publisher", zap.Error(err))
		}
	}

	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			a.logger.Error("Error closing camera", zap.Error(err))
		}
	}

	if a.sensor != nil {
		if err := a.sensor.Close(); err != nil {
			a.logger.Error("Error closing motion sensor", zap.Error(err))
		}
	}

	if a.telemetryShutdown != nil {
		if err := a.telemetryShutdown(ctx); err != nil {
			a.logger.Error("Error shutting down telemetry", zap.Error(err))
		}
	}

	return nil
}

// cronLogger adapts zap to the cron.Logger interface
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}

// createLogger creates a structured logger
func createLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch cfg.Level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	outputs := []string{"stdout"}
	errOutputs := []string{"stderr"}

	if cfg.Dir != "" {
		// Prepare log directory and file path
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log dir: %w", err)
		}
		ts := time.Now().Format("20060102-150405")
		logFile := filepath.Join(cfg.Dir, fmt.Sprintf("%s-%s.log", logFilePrefix, ts))

		// Clean up old logs
		keep := cfg.MaxLogFiles
		if keep <= 0 {
			keep = 20
		}
		files, _ := filepath.Glob(filepath.Join(cfg.Dir, logFilePrefix+"-*.log"))
		if len(files) > keep {
			sort.Strings(files) // lexicographic order matches timestamp
			for _, f := range files[:len(files)-keep] {
				_ = os.Remove(f)
			}
		}

		outputs = append(outputs, logFile)
		errOutputs = append(errOutputs, logFile)
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      outputs,
		ErrorOutputPaths: errOutputs,
	}

	return config.Build()
}
