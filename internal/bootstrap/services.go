package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/streamfab/mediaq/config"
	"github.com/streamfab/mediaq/internal/adapters/redisqueue"
	"github.com/streamfab/mediaq/internal/core"
	"github.com/streamfab/mediaq/internal/data"
	domainjob "github.com/streamfab/mediaq/internal/domain/job"
	"github.com/streamfab/mediaq/internal/domain/model"
	"github.com/streamfab/mediaq/internal/observability/notify"
	"github.com/streamfab/mediaq/internal/observability/notify/pagerduty"
	"github.com/streamfab/mediaq/internal/observability/notify/slack"
	"github.com/streamfab/mediaq/internal/observability/statsd"
	"github.com/streamfab/mediaq/internal/service"
	"github.com/streamfab/mediaq/internal/service/alertnotifier"
)

// shutdownWaitTimeout bounds how long a stopping service may take before
// shutdown proceeds without it.
const shutdownWaitTimeout = 15 * time.Second

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Jobs          *service.JobService
	Dispatcher    *service.DispatcherService
	Monitor       *service.QueueHealthMonitor
	Executor      *service.Executor
	Queue         *redisqueue.Runtime
	Events        *domainjob.Bus
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink    *statsd.Client
	MetricsConfig  config.ObservabilityMetricsConfig
	AlertNotifier  *alertnotifier.Service
	NotifierConfig config.ObservabilityNotificationsConfig
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger

	// Processor performs the actual media work for the worker service.
	// Required when the worker service mode is enabled.
	Processor core.MediaProcessor
}

// buildObservability configures metrics and notification adapters.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  "mediaq",
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	alertNotifier := buildAlertNotifier(obsLogger, metricsSink, cfg.Notifications)

	return ObservabilityContainer{
		MetricsSink:    metricsSink,
		MetricsConfig:  cfg.Metrics,
		AlertNotifier:  alertNotifier,
		NotifierConfig: cfg.Notifications,
	}
}

// buildAlertNotifier wires the configured notification sinks. The Slack
// webhook receives everything; PagerDuty only pages on error and above.
func buildAlertNotifier(logger *slog.Logger, metrics *statsd.Client, cfg config.ObservabilityNotificationsConfig) *alertnotifier.Service {
	baseLogger := logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}

	if !cfg.Enabled {
		return alertnotifier.NewService(alertnotifier.Options{
			Logger:  baseLogger,
			Metrics: metrics,
		})
	}

	sinks := make([]alertnotifier.SinkRegistration, 0, 2)

	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL: cfg.Slack.WebhookURL,
			Channel:    cfg.Slack.Channel,
			Username:   cfg.Slack.Username,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			baseLogger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, alertnotifier.SinkRegistration{
				Name:        "slack",
				Sink:        client,
				MinSeverity: notify.SeverityInfo,
			})
		}
	}

	if cfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.PagerDuty.RoutingKey,
			Source:     cfg.PagerDuty.Source,
			Component:  cfg.PagerDuty.Component,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			baseLogger.Error("failed to initialise pagerduty notifier", "error", err)
		} else {
			sinks = append(sinks, alertnotifier.SinkRegistration{
				Name:        "pagerduty",
				Sink:        client,
				MinSeverity: notify.SeverityError,
			})
		}
	}

	return alertnotifier.NewService(alertnotifier.Options{
		Logger:  baseLogger,
		Metrics: metrics,
		Sinks:   sinks,
	})
}

// buildRetryPolicies derives the default backoff policy from the retry
// config and a per-type override from each queue's backoff delay.
func buildRetryPolicies(
	retryCfg config.RetryConfig,
	settings map[model.JobType]config.QueueSettings,
) (*domainjob.RetryPolicy, map[model.JobType]*domainjob.RetryPolicy, error) {
	defaultPolicy, err := domainjob.NewRetryPolicy(domainjob.RetryPolicyConfig{
		InitialDelay: retryCfg.InitialDelay,
		Multiplier:   retryCfg.BackoffMultiplier,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("build default retry policy: %w", err)
	}

	policies := make(map[model.JobType]*domainjob.RetryPolicy, len(settings))
	for jobType, qs := range settings {
		if qs.BackoffDelay <= 0 || qs.BackoffDelay == retryCfg.InitialDelay {
			continue
		}
		policy, perr := domainjob.NewRetryPolicy(domainjob.RetryPolicyConfig{
			InitialDelay: qs.BackoffDelay,
			Multiplier:   retryCfg.BackoffMultiplier,
		})
		if perr != nil {
			return nil, nil, fmt.Errorf("build retry policy for %s: %w", jobType, perr)
		}
		policies[jobType] = policy
	}

	return defaultPolicy, policies, nil
}

// NewServices wires the job service, queue runtime, worker executor,
// dispatcher, and queue health monitor from shared infrastructure.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil {
		return ServiceContainer{}, errors.New("service dependencies are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := deps.Config
	if cfg == nil {
		cfg = &config.AppConfig{}
		cfg.Sanitize()
	}

	observability := buildObservability(logger, cfg.Observability)
	settings := cfg.Worker.Settings()

	jobRepo := data.NewJobRepo(deps.DB, data.RepoConfig{Logger: logger})

	queue, err := redisqueue.NewRuntime(redisqueue.Options{
		Client:   deps.RedisClient,
		Repo:     jobRepo,
		Logger:   logger,
		Settings: settings,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build queue runtime: %w", err)
	}

	defaultPolicy, policies, err := buildRetryPolicies(cfg.Retry, settings)
	if err != nil {
		return ServiceContainer{}, err
	}

	events := domainjob.NewBus()

	jobs, err := service.NewJobService(service.JobServiceOptions{
		Repo:               jobRepo,
		Queue:              queue,
		Logger:             logger,
		Metrics:            observability.MetricsSink,
		Publisher:          events,
		RetryPolicies:      policies,
		DefaultRetryPolicy: defaultPolicy,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build job service: %w", err)
	}

	monitor, err := service.NewQueueHealthMonitor(service.MonitorOptions{
		Stats:   queue,
		Alerts:  observability.AlertNotifier,
		Config:  cfg.Monitor,
		Logger:  logger,
		Metrics: observability.MetricsSink,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build queue health monitor: %w", err)
	}

	dispatcher, err := service.NewDispatcherService(service.DispatcherOptions{
		Repo:    jobRepo,
		Queue:   queue,
		Config:  cfg.Dispatcher,
		Alerts:  observability.AlertNotifier,
		Logger:  logger,
		Metrics: observability.MetricsSink,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build dispatcher: %w", err)
	}

	bridge, err := service.NewQueueEventBridge(jobs, logger)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build queue event bridge: %w", err)
	}
	queue.SetEventHandler(service.EventFanout{bridge, monitor})

	var executor *service.Executor
	if cfg.IsWorkerEnabled() {
		if deps.Processor == nil {
			return ServiceContainer{}, errors.New("worker service requires a media processor")
		}
		executor, err = service.NewExecutor(service.ExecutorOptions{
			Jobs:      jobs,
			Runtime:   queue,
			Processor: deps.Processor,
			Settings:  settings,
			Progress:  queue.ReportProgress,
			Logger:    logger,
		})
		if err != nil {
			return ServiceContainer{}, fmt.Errorf("build executor: %w", err)
		}
		if err = executor.RegisterAll(); err != nil {
			return ServiceContainer{}, fmt.Errorf("register workers: %w", err)
		}
	}

	return ServiceContainer{
		Jobs:          jobs,
		Dispatcher:    dispatcher,
		Monitor:       monitor,
		Executor:      executor,
		Queue:         queue,
		Events:        events,
		Observability: observability,
	}, nil
}

// ServiceOrchestrationConfig groups everything RunServicesWithShutdown needs.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// backgroundService describes a long-running loop tied to a service mode.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	grace time.Duration
	start func(ctx context.Context) error
}

// backgroundServiceHandle tracks a started background service.
type backgroundServiceHandle struct {
	name  string
	grace time.Duration
	done  <-chan struct{}
}

// serviceStartupDeps carries shared state into service launch helpers.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan<- error
}

func newWorkerBackgroundService(deps *serviceStartupDeps) backgroundService {
	grace := shutdownWaitTimeout
	if deps.cfg.Config != nil && deps.cfg.Config.Worker.ShutdownGrace > 0 {
		grace = deps.cfg.Config.Worker.ShutdownGrace
	}
	return backgroundService{
		mode:  config.ServiceModeWorker,
		name:  "worker",
		grace: grace,
		start: func(ctx context.Context) error {
			if deps.cfg.Services.Queue == nil {
				return errors.New("worker service requires the queue runtime")
			}
			return deps.cfg.Services.Queue.Run(ctx)
		},
	}
}

func newDispatcherBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeDispatcher,
		name: "dispatcher",
		start: func(ctx context.Context) error {
			if deps.cfg.Services.Dispatcher == nil {
				return errors.New("dispatcher service is not configured")
			}
			return deps.cfg.Services.Dispatcher.Run(ctx)
		},
	}
}

func newMonitorBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeMonitor,
		name: "queue health monitor",
		start: func(ctx context.Context) error {
			if deps.cfg.Services.Monitor == nil {
				return errors.New("monitor service is not configured")
			}
			return deps.cfg.Services.Monitor.Run(ctx)
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		newWorkerBackgroundService(deps),
		newDispatcherBackgroundService(deps),
		newMonitorBackgroundService(deps),
	}
}

// launchBackground starts one background service in its own goroutine and
// returns a handle whose done channel closes when the loop exits. Errors
// other than normal cancellation are forwarded to the error channel.
func launchBackground(deps *serviceStartupDeps, svc backgroundService) backgroundServiceHandle {
	done := make(chan struct{})
	go func() {
		defer close(done)
		deps.logger.Info(svc.name + " service starting")
		if err := svc.start(deps.ctx); err != nil && !errors.Is(err, context.Canceled) {
			deps.errCh <- fmt.Errorf("%s service: %w", svc.name, err)
		}
	}()
	grace := svc.grace
	if grace <= 0 {
		grace = shutdownWaitTimeout
	}
	return backgroundServiceHandle{name: svc.name, grace: grace, done: done}
}

// startBackgroundServices launches every enabled background service.
func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	handles := make([]backgroundServiceHandle, 0, len(services))
	for _, svc := range services {
		if !deps.enabledServices[svc.mode] {
			continue
		}
		handles = append(handles, launchBackground(deps, svc))
	}
	return handles
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	ctx := context.Background()
	serviceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}

	// Determine which services are enabled
	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	deps := &serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	}
	handles := startBackgroundServices(deps, buildBackgroundServices(deps))

	// Wait for shutdown signal or error
	return waitForShutdown(shutdownConfig{
		ctx:         serviceCtx,
		cancel:      cancel,
		errCh:       errCh,
		metrics:     cfg.Services.Observability.MetricsSink,
		events:      cfg.Services.Events,
		logger:      logger,
		backgrounds: handles,
	})
}

func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			count++
		}
	}
	return count
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	size := errorChannelCapacity(enabled) + 1
	if size < 1 {
		return 1
	}
	return size
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	ctx         context.Context
	cancel      context.CancelFunc
	errCh       <-chan error
	metrics     *statsd.Client
	events      *domainjob.Bus
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel() // Cancel service context before waiting
		gracefulStop(cfg)
		return nil
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel() // Cancel service context before waiting
		gracefulStop(cfg)
		return err
	}
}

// gracefulStop waits for background services to drain, closes the transition
// event bus once no service can publish, and closes the metrics sink last so
// stopping services can still emit.
func gracefulStop(cfg shutdownConfig) {
	for _, svc := range cfg.backgrounds {
		waitForService(svc, cfg.logger)
	}

	if cfg.events != nil {
		cfg.events.Close()
	}

	if err := cfg.metrics.Close(); err != nil {
		cfg.logger.Error("close metrics sink failed", "error", err)
	}
}

// waitForService waits for a service to finish with timeout.
func waitForService(svc backgroundServiceHandle, logger *slog.Logger) {
	if svc.done == nil {
		return
	}
	select {
	case <-svc.done:
		logger.Info(svc.name + " stopped")
	case <-time.After(svc.grace):
		logger.Warn("timeout waiting for " + svc.name + " to stop")
	}
}
