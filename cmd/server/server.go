package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/niva-ai/niva-voice-service/internal/adapters/agentruntime"
	"github.com/niva-ai/niva-voice-service/internal/adapters/daily"
	"github.com/niva-ai/niva-voice-service/internal/adapters/livekit"
	"github.com/niva-ai/niva-voice-service/internal/adapters/provider"
	"github.com/niva-ai/niva-voice-service/internal/cache"
	"github.com/niva-ai/niva-voice-service/internal/config"
	"github.com/niva-ai/niva-voice-service/internal/core/event"
	"github.com/niva-ai/niva-voice-service/internal/core/session"
	"github.com/niva-ai/niva-voice-service/internal/core/task"
	"github.com/niva-ai/niva-voice-service/internal/handler"
	"github.com/niva-ai/niva-voice-service/internal/repository"
	"github.com/niva-ai/niva-voice-service/internal/services/call"
	"github.com/niva-ai/niva-voice-service/internal/services/postcall"
	"github.com/niva-ai/niva-voice-service/internal/services/webhook"
	"github.com/niva-ai/niva-voice-service/pkg/gcs"
	"github.com/niva-ai/niva-voice-service/pkg/logger"
	"github.com/niva-ai/niva-voice-service/pkg/pubsub"
	"github.com/niva-ai/niva-voice-service/pkg/redis"
	"github.com/niva-ai/niva-voice-service/pkg/twilio"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// Server owns every long-lived component of one service instance.
type Server struct {
	config   *config.Config
	router   *mux.Router
	repos    repository.RepositoryManager
	kv       redis.RedisServiceInterface
	bus      *event.DefaultEventBus
	registry *session.Registry
	calls    *call.Service
	pipeline *postcall.Pipeline

	closers []func() error
}

// NewServer builds the component graph and registers the routes.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	s := &Server{config: cfg, router: mux.NewRouter()}
	if err := s.init(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) init(ctx context.Context) error {
	cfg := s.config

	repos, err := s.openRepositories(ctx)
	if err != nil {
		return err
	}
	s.repos = repos
	s.closers = append(s.closers, repos.Close)

	shared := s.connectRedis()

	s.bus = event.NewEventBus()
	s.bus.Use(event.ValidationMiddleware)
	s.bus.Use(event.LoggingMiddleware)
	s.closers = append(s.closers, s.bus.Close)
	s.registry = session.NewRegistry(s.bus)

	var presence *session.Presence
	var tasks task.Bus
	if shared {
		presence = session.NewPresence(s.kv, cfg.InstanceID)
		if err := presence.Attach(s.bus); err != nil {
			return fmt.Errorf("failed to attach presence: %w", err)
		}
		tasks = task.NewRedisBus(s.kv, cfg.InstanceID)
	}

	prov, verifier, parser, err := s.newProvider()
	if err != nil {
		return err
	}

	processor := webhook.NewProcessor(s.registry, webhook.NewWindow(s.kv, cfg.Webhook.DedupeWindow), s.bus)
	processor.RegisterParser(prov.Name(), parser)

	runtime := agentruntime.NewClient(cfg.AgentRuntime.BaseURL, cfg.AgentRuntime.Secret, cfg.AgentRuntime.Timeout)
	dialer := twilio.NewDialer(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, cfg.Twilio.FromNumber)

	deps := postcall.Deps{
		Jobs:         repos.Jobs(),
		Records:      repos.CallRecords(),
		Students:     repos.Students(),
		Provider:     prov,
		Registry:     s.registry,
		Tasks:        tasks,
		Presence:     presence,
		SignedURLTTL: cfg.Archive.SignedURLTTL,
	}
	if cfg.PubSub.ProjectID != "" {
		ps, err := pubsub.NewPubSubService(ctx, &pubsub.PubSubConfig{
			ProjectID:   cfg.PubSub.ProjectID,
			TopicName:   cfg.PubSub.TopicName,
			EventPrefix: cfg.PubSub.EventPrefix,
		})
		if err != nil {
			logger.Base().Warn("Pub/Sub unavailable, finalized calls will not be announced", zap.Error(err))
		} else {
			deps.Publisher = ps
			s.closers = append(s.closers, ps.Close)
		}
	}
	if cfg.Archive.Bucket != "" {
		archive, err := gcs.NewGCSClient(ctx, cfg.Archive.Bucket, cfg.Archive.CredentialsFile)
		if err != nil {
			logger.Base().Warn("Archive bucket unavailable, records will not be archived", zap.Error(err))
		} else {
			deps.Archive = archive
			s.closers = append(s.closers, archive.Close)
		}
	}

	s.pipeline = postcall.New(cfg.PostCall, deps)
	if err := s.pipeline.Attach(s.bus); err != nil {
		return fmt.Errorf("failed to attach post-call pipeline: %w", err)
	}

	s.calls = call.NewService(cfg.Orchestrator, call.Deps{
		Provider: prov,
		Registry: s.registry,
		Catalog:  cache.NewCatalogCache(repos.Catalog(), cfg.CatalogCacheTTL),
		Records:  repos.CallRecords(),
		Runtime:  runtime,
		Dialer:   dialer,
		Presence: presence,
	})
	if err := s.calls.Attach(s.bus); err != nil {
		return fmt.Errorf("failed to attach orchestrator: %w", err)
	}

	webhooks := handler.NewWebhookHandler(processor, cfg.Webhook.RateLimit, cfg.Webhook.Burst)
	webhooks.AddProvider(prov.Name(), verifier)

	health := handler.NewHealthHandler(s.registry.Len)
	health.AddCheck("database", repos.Ping)
	health.AddCheck("redis", s.kv.Ping)
	health.ReportEvents(s.bus.Stats)

	handler.NewHandlerManager(handler.Options{
		Calls:       s.calls,
		Jobs:        s.pipeline,
		Webhooks:    webhooks,
		Health:      health,
		JWTSecret:   cfg.APIJWTSecret,
		EnableCORS:  cfg.EnableCORS,
		CORSOrigins: cfg.CORSOrigins,
	}).SetupAllRoutes(s.router)

	logger.Base().Info("Server initialized",
		zap.String("port", cfg.Port),
		zap.Bool("shared_state", shared),
		zap.Bool("dialer", dialer.IsEnabled()))
	return nil
}

func (s *Server) openRepositories(ctx context.Context) (repository.RepositoryManager, error) {
	if s.config.Store == config.StoreMemory {
		store := repository.NewMemoryStore()
		if s.config.CatalogSeedFile != "" {
			if err := store.LoadSeed(s.config.CatalogSeedFile); err != nil {
				return nil, fmt.Errorf("failed to load catalog seed: %w", err)
			}
		}
		logger.Base().Warn("Using in-memory store, call records will not survive a restart")
		return store, nil
	}
	repos, err := repository.NewRepositoryManager(ctx, s.config.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return repos, nil
}

// connectRedis reports whether state is shared with other instances. Without Redis
// the service keeps dedupe state in process and runs single-instance.
func (s *Server) connectRedis() bool {
	rc := s.config.Redis
	if rc.Host == "" {
		logger.Base().Warn("REDIS_HOST not set, running single-instance")
		s.kv = redis.NewMemoryService()
		return false
	}
	svc, err := redis.NewRedisService(&redis.RedisConfig{
		Host:     rc.Host,
		Port:     rc.Port,
		Password: rc.Password,
		DB:       rc.DB,
	})
	if err != nil {
		logger.Base().Warn("Failed to connect to Redis, running single-instance", zap.Error(err))
		s.kv = redis.NewMemoryService()
		return false
	}
	s.kv = svc
	s.closers = append(s.closers, svc.Close)
	return true
}

// newProvider returns the configured provider with its webhook parser. The
// verifier is nil for providers that do not sign webhooks.
func (s *Server) newProvider() (provider.Provider, handler.BodyVerifier, provider.WebhookParser, error) {
	switch s.config.Provider {
	case config.ProviderLiveKit:
		lc := s.config.LiveKit
		lkCfg, err := livekit.NewLiveKitConfig(lc.ServerURL, lc.APIKey, lc.APISecret, lc.SIPHost)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("invalid LiveKit configuration: %w", err)
		}
		lkCfg.GCSBucket = lc.EgressBucket
		if lc.EgressCredentialsB64 != "" {
			creds, err := base64.StdEncoding.DecodeString(lc.EgressCredentialsB64)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("invalid LiveKit egress credentials: %w", err)
			}
			lkCfg.GCSCredentials = string(creds)
		}
		p, err := livekit.NewProvider(lkCfg)
		if err != nil {
			return nil, nil, nil, err
		}
		return p, livekit.NewVerifier(lc.APIKey, lc.APISecret), livekit.ParseWebhook, nil
	default:
		dc := s.config.Daily
		return daily.NewClient(dc.APIURL, dc.APIKey, dc.RequestsPerSec), nil, daily.ParseWebhook, nil
	}
}

// Run serves HTTP and the background loops until ctx is done, then drains them.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Base().Info("Starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return s.pipeline.Run(gctx) })
	g.Go(func() error { return s.calls.RunSweeper(gctx) })
	g.Go(func() error {
		if err := s.calls.ListenForStops(gctx); err != nil {
			logger.Base().Warn("Forwarded stops unavailable", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Base().Info("Shutting down server", zap.Int("active_calls", s.registry.Len()))
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close releases connections in reverse order of creation.
func (s *Server) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
