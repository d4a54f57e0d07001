// Command gatewayd runs the routing gateway: one SCP listener plus forward
// orchestrator per configured route, a shared destination manager, honest
// broker set, script library, and the retry queue's Asynq server, behind a
// minimal internal-only health/metrics HTTP surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/dicomgw/gateway/internal/archive"
	"github.com/dicomgw/gateway/internal/broker"
	"github.com/dicomgw/gateway/internal/config"
	"github.com/dicomgw/gateway/internal/crosswalk"
	"github.com/dicomgw/gateway/internal/deident"
	"github.com/dicomgw/gateway/internal/destination"
	"github.com/dicomgw/gateway/internal/entity"
	"github.com/dicomgw/gateway/internal/forward"
	"github.com/dicomgw/gateway/internal/gwlog"
	"github.com/dicomgw/gateway/internal/imagingproto"
	"github.com/dicomgw/gateway/internal/metrics"
	"github.com/dicomgw/gateway/internal/receiver"
	"github.com/dicomgw/gateway/internal/repository"
	"github.com/dicomgw/gateway/internal/repository/postgres"
	"github.com/dicomgw/gateway/internal/script"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "loading config:", err)
		os.Exit(1)
	}

	logger, err := gwlog.New(cfg.Environment)
	if err != nil {
		fmt.Fprintln(os.Stderr, "building logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatalw("gatewayd exited", "error", err)
	}
}

// loadConfig builds the config.Config this process runs with. Loading a
// real file format is explicitly out of scope (§6); the shape below is
// this binary's own fixed deployment until an external loader is wired in.
func loadConfig() (config.Config, error) {
	base := os.Getenv("GATEWAY_BASE_DIR")
	if base == "" {
		base = "/var/lib/gateway"
	}
	cacheDir := os.Getenv("GATEWAY_CACHE_DIR")
	if cacheDir == "" {
		cacheDir = filepath.Join(base, "cache")
	}

	return config.Config{
		CacheDir:               cacheDir,
		RetentionDays:          90,
		HealthCheckIntervalSec: 60,
		Environment:            os.Getenv("GATEWAY_ENV"),
		Destinations: []config.DestinationConfig{
			{
				Name: "local-archive",
				Kind: "filesystem",
				Filesystem: &config.FilesystemConfig{
					BasePath:         filepath.Join(base, "outbound"),
					DirectoryPattern: "{StudyInstanceUID}",
				},
			},
		},
		Routes: []config.RouteConfig{
			{
				AETitle:            "GATEWAY1",
				Port:               11112,
				WorkerThreads:      4,
				QuietPeriod:        30 * time.Second,
				RateLimitPerMinute: 0,
				Destinations: []config.DestinationEdgeConfig{
					{DestinationName: "local-archive", AutoArchive: true},
				},
			},
		},
	}, nil
}

func run(cfg config.Config, logger *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	base := os.Getenv("GATEWAY_BASE_DIR")
	if base == "" {
		base = "/var/lib/gateway"
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return fmt.Errorf("creating base directory: %w", err)
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	reg := metrics.NewRegistry()
	codec := imagingproto.NewReferenceCodec()

	crosswalkStore, err := crosswalk.Open(filepath.Join(cfg.CacheDir, "crosswalk.db"))
	if err != nil {
		return fmt.Errorf("opening crosswalk store: %w", err)
	}
	defer crosswalkStore.Close()

	brokers := make(map[string]*broker.Broker, len(cfg.Brokers))
	for _, bc := range cfg.Brokers {
		brokers[bc.Name] = broker.New(broker.Config{
			Name:   bc.Name,
			Scheme: broker.Scheme(bc.Scheme),
			Prefix: bc.Prefix,
			DateShift: broker.DateShiftConfig{
				Enabled: bc.DateShiftOn,
				MinDays: bc.DateShiftMin,
				MaxDays: bc.DateShiftMax,
			},
			HashUIDs:   bc.HashUIDs,
			ScriptBody: bc.Script,
		}, crosswalkStore, time.Now().UnixNano())
	}

	library := script.NewLibrary()

	destMgr := destination.NewManager(time.Duration(cfg.HealthCheckIntervalSec)*time.Second, logger)
	for _, dc := range cfg.Destinations {
		client, err := buildDestinationClient(dc)
		if err != nil {
			return fmt.Errorf("configuring destination %q: %w", dc.Name, err)
		}
		destMgr.Register(dc.Name, client)
	}
	destMgr.Start(ctx)
	defer destMgr.Stop()

	var transferRepo repository.TransferRepository
	if dsn := os.Getenv("GATEWAY_POSTGRES_DSN"); dsn != "" {
		db, err := postgres.New(dsn)
		if err != nil {
			return fmt.Errorf("connecting transfer record store: %w", err)
		}
		defer db.Close()
		transferRepo = db.TransferRepository()
	}

	var retry *forward.RetryScheduler
	if redisAddr := os.Getenv("GATEWAY_REDIS_ADDR"); redisAddr != "" {
		retry, err = forward.NewRetryScheduler(redisAddr)
		if err != nil {
			return fmt.Errorf("connecting retry scheduler: %w", err)
		}
		defer retry.Close()
	}

	orchestrators := make(map[string]*forward.Orchestrator, len(cfg.Routes))
	listeners := make([]*receiver.Listener, 0, len(cfg.Routes))
	watchers := make([]*receiver.Watcher, 0, len(cfg.Routes))

	for _, rc := range cfg.Routes {
		route := buildRoute(rc)
		archiver := archive.New(base, string(route.AETitle))

		scripts := make(map[string]*script.Script)
		for _, e := range route.Destinations {
			if e.ScriptName == "" {
				continue
			}
			if _, sc, ok := library.Get(e.ScriptName); ok {
				scripts[e.ScriptName] = sc
			}
		}

		orch := forward.New(route, forward.Deps{
			Codec:         codec,
			Destinations:  destMgr,
			Deidentifier:  deident.New(codec, logger),
			Brokers:       brokers,
			Archiver:      archiver,
			Scripts:       scripts,
			Retry:         retry,
			Logger:        logger,
			Metrics:       reg,
			ProcessingDir: filepath.Join(base, "processing"),
			TransferRepo:  transferRepo,
		})
		orch.Start(ctx)
		defer orch.Stop()
		orchestrators[string(route.AETitle)] = orch

		watcher, err := receiver.NewWatcher(route, filepath.Join(base, "listeners"), logger, reg, func(ev entity.StudyReadyEvent) {
			orch.Submit(ctx, ev)
		})
		if err != nil {
			return fmt.Errorf("starting watcher for route %q: %w", route.AETitle, err)
		}
		go watcher.Run(ctx)
		watchers = append(watchers, watcher)

		listener, err := receiver.NewListener(route, receiver.NewReferenceTransport(), codec, filepath.Join(base, "listeners"), logger, reg, watcher)
		if err != nil {
			return fmt.Errorf("starting listener for route %q: %w", route.AETitle, err)
		}
		go func() {
			if err := listener.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Errorw("listener stopped unexpectedly", "route", route.AETitle, "error", err)
			}
		}()
		listeners = append(listeners, listener)
	}

	if retry != nil {
		go runRetryServer(ctx, os.Getenv("GATEWAY_REDIS_ADDR"), orchestrators, logger)
	}

	healthSrv := newHealthServer(reg)
	go func() {
		if err := healthSrv.Start(":8090"); err != nil && err != http.ErrServerClosed {
			logger.Errorw("health server stopped unexpectedly", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("health server shutdown error", "error", err)
	}
	for _, l := range listeners {
		l.Close()
	}

	return nil
}

// runRetryServer drains the shared Asynq queue, dispatching each retry task
// to its owning route's Orchestrator.
func runRetryServer(ctx context.Context, redisAddr string, orchestrators map[string]*forward.Orchestrator, logger *zap.SugaredLogger) {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: redisAddr},
		asynq.Config{Concurrency: 10},
	)
	mux := asynq.NewServeMux()
	forward.RegisterHandlers(mux, orchestrators)

	go func() {
		<-ctx.Done()
		srv.Shutdown()
	}()
	if err := srv.Run(mux); err != nil {
		logger.Errorw("retry server stopped", "error", err)
	}
}

func newHealthServer(reg *metrics.Registry) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/metrics", echo.WrapHandler(reg.Handler()))
	return e
}

func buildDestinationClient(dc config.DestinationConfig) (destination.Client, error) {
	switch dc.Kind {
	case "peer-node":
		if dc.PeerNode == nil {
			return nil, fmt.Errorf("peer-node destination missing its config block")
		}
		cfg := entity.PeerNodeConfig{
			CalledAETitle:  entity.AETitle(dc.PeerNode.CalledAETitle),
			Host:           dc.PeerNode.Host,
			Port:           dc.PeerNode.Port,
			CallingAETitle: entity.AETitle(dc.PeerNode.CallingAETitle),
			TLS:            dc.PeerNode.TLS,
			Timeout:        dc.PeerNode.Timeout,
			MaxRetries:     dc.PeerNode.MaxRetries,
		}
		return destination.NewPeerNodeClient(cfg, destination.NewReferenceTransport()), nil
	case "archive-api":
		if dc.ArchiveAPI == nil {
			return nil, fmt.Errorf("archive-api destination missing its config block")
		}
		cfg := entity.ArchiveAPIConfig{
			BaseURL:    dc.ArchiveAPI.BaseURL,
			Username:   dc.ArchiveAPI.Username,
			Password:   dc.ArchiveAPI.Password,
			Timeout:    dc.ArchiveAPI.Timeout,
			PoolSize:   dc.ArchiveAPI.PoolSize,
			MaxRetries: dc.ArchiveAPI.MaxRetries,
		}
		return destination.NewArchiveAPIClient(cfg), nil
	case "filesystem":
		if dc.Filesystem == nil {
			return nil, fmt.Errorf("filesystem destination missing its config block")
		}
		cfg := entity.FilesystemConfig{
			BasePath:           dc.Filesystem.BasePath,
			DirectoryPattern:   dc.Filesystem.DirectoryPattern,
			NamingPattern:      dc.Filesystem.NamingPattern,
			OrganizeByListener: dc.Filesystem.OrganizeByListener,
		}
		return destination.NewFilesystemClient(cfg), nil
	default:
		return nil, fmt.Errorf("unknown destination kind %q", dc.Kind)
	}
}

func buildRoute(rc config.RouteConfig) entity.Route {
	route := entity.Route{
		AETitle:                entity.AETitle(rc.AETitle),
		Port:                   rc.Port,
		WorkerThreads:          rc.WorkerThreads,
		MaxConcurrentTransfers: rc.MaxConcurrentTransfers,
		QuietPeriod:            rc.QuietPeriod,
		RateLimitPerMinute:     rc.RateLimitPerMinute,
	}

	for _, vc := range rc.ValidationRules {
		route.ValidationRules = append(route.ValidationRules, entity.ValidationRule{
			Name:      vc.Name,
			Type:      entity.ValidationRuleType(vc.Type),
			Tag:       vc.Tag,
			Operator:  entity.Operator(vc.Operator),
			Value:     vc.Value,
			Values:    vc.Values,
			MinLength: vc.MinLength,
			MaxLength: vc.MaxLength,
			OnFailure: entity.RuleFailureAction(vc.OnFailure),
		})
	}
	for _, fc := range rc.FilterRules {
		route.FilterRules = append(route.FilterRules, entity.FilterRule{
			Name:     fc.Name,
			Action:   entity.FilterAction(fc.Action),
			Tag:      fc.Tag,
			Operator: entity.Operator(fc.Operator),
			Value:    fc.Value,
			Values:   fc.Values,
		})
	}
	for _, rr := range rc.RoutingRules {
		route.RoutingRules = append(route.RoutingRules, entity.RoutingRule{
			Name:         rr.Name,
			Tag:          rr.Tag,
			Operator:     entity.Operator(rr.Operator),
			Value:        rr.Value,
			Values:       rr.Values,
			Destinations: rr.Destinations,
		})
	}
	for _, tm := range rc.TagModifications {
		route.TagModifications = append(route.TagModifications, entity.TagModification{
			Tag:       tm.Tag,
			Action:    entity.TagModAction(tm.Action),
			Value:     tm.Value,
			SourceTag: tm.SourceTag,
		})
	}
	for _, de := range rc.Destinations {
		route.Destinations = append(route.Destinations, entity.DestinationEdge{
			DestinationName: de.DestinationName,
			Anonymize:       de.Anonymize,
			ScriptName:      de.ScriptName,
			ProjectID:       de.ProjectID,
			SubjectPrefix:   de.SubjectPrefix,
			SessionPrefix:   de.SessionPrefix,
			AutoArchive:     de.AutoArchive,
			Priority:        de.Priority,
			RetryCount:      de.RetryCount,
			RetryDelay:      de.RetryDelay,
			UseBroker:       de.UseBroker,
			BrokerName:      de.BrokerName,
		})
	}

	return route
}
