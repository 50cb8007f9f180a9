package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/casecrawl/casecrawl/internal/artifact"
	"github.com/casecrawl/casecrawl/internal/batch"
	"github.com/casecrawl/casecrawl/internal/events"
	"github.com/casecrawl/casecrawl/internal/match"
	"github.com/casecrawl/casecrawl/internal/model"
	"github.com/casecrawl/casecrawl/internal/monitoring"
	"github.com/casecrawl/casecrawl/internal/platform"
	"github.com/casecrawl/casecrawl/internal/search"
	"github.com/casecrawl/casecrawl/internal/session"
	"github.com/casecrawl/casecrawl/internal/store"
)

// appEnv holds everything the run and serve commands share.
type appEnv struct {
	Store       store.Store
	Registry    *prometheus.Registry
	Metrics     *monitoring.Metrics
	Alerter     *monitoring.Alerter
	Browser     *platform.Westlaw
	Sessions    *session.Manager
	Broker      *events.Broker
	Kafka       *events.KafkaSink // may be nil
	Artifacts   artifact.Store
	Coordinator *batch.Coordinator
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Coordinator != nil {
		e.Coordinator.Close()
	}
	if e.Kafka != nil {
		if err := e.Kafka.Close(); err != nil {
			zap.L().Warn("close kafka sink", zap.Error(err))
		}
	}
	if e.Browser != nil {
		e.Browser.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates the configuration for mode and wires the store, session
// pool, search cascade and batch coordinator. Callers should defer
// env.Close().
func initEnv(ctx context.Context, mode string) (_ *appEnv, err error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	env := &appEnv{}
	defer func() {
		if err != nil {
			env.Close()
		}
	}()

	env.Store, err = initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := env.Store.Migrate(ctx); err != nil {
		return nil, eris.Wrap(err, "migrate store")
	}

	creds, err := session.LoadCredentials(cfg.Session.CredentialsFile)
	if err != nil {
		return nil, err
	}

	env.Registry = prometheus.NewRegistry()
	env.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	env.Metrics = monitoring.NewMetrics(cfg.Monitoring.Namespace, env.Registry)
	env.Alerter = monitoring.NewAlerter(cfg.Monitoring)

	env.Browser = platform.NewWestlaw(cfg.Platform)
	st := env.Store
	env.Sessions, err = session.NewManager(cfg.Session.Manager(), env.Browser, creds,
		session.WithAlerter(env.Alerter),
		session.WithObserver(env.Metrics),
		session.WithOnChange(func(s model.CrawlerSession) {
			if err := st.SaveSession(context.Background(), s); err != nil {
				zap.L().Warn("persist session", zap.String("account", s.Account), zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, err
	}

	var sinks []events.Sink
	if cfg.Events.Kafka.Enabled() {
		env.Kafka, err = events.NewKafkaSink(events.KafkaConfig{
			Brokers: cfg.Events.Kafka.Brokers,
			Topic:   cfg.Events.Kafka.Topic,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, env.Kafka)
		zap.L().Info("kafka event sink enabled", zap.String("topic", cfg.Events.Kafka.Topic))
	}
	env.Broker = events.NewBroker(sinks...)
	env.Broker.OnDrop(env.Metrics.EventsDropped.Inc)

	env.Artifacts, err = initArtifacts(ctx)
	if err != nil {
		return nil, err
	}

	classifier, err := match.NewClassifier(cfg.Match)
	if err != nil {
		return nil, eris.Wrap(err, "init classifier")
	}
	orch := search.NewOrchestrator(env.Sessions, classifier, search.Config{
		Retry:    cfg.Search.Retry.Resilience(),
		YearSpan: cfg.Search.YearSpan,
		OnStep:   env.Metrics.ObserveStep,
	})

	env.Coordinator = batch.NewCoordinator(env.Store, orch, env.Sessions, env.Artifacts,
		batch.Config{Workers: cfg.Batch.Workers, MaxCases: cfg.Batch.MaxCases},
		batch.WithPublisher(env.Broker),
		batch.WithObserver(env.Metrics),
	)

	zap.L().Info("environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("artifacts", cfg.Artifacts.Backend),
		zap.Int("accounts", len(creds)),
		zap.Int("workers", cfg.Batch.Workers),
	)
	return env, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		st, err := store.NewSQLite(cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initArtifacts(ctx context.Context) (artifact.Store, error) {
	switch cfg.Artifacts.Backend {
	case "local":
		as, err := artifact.NewLocal(cfg.Artifacts.Dir)
		if err != nil {
			return nil, err
		}
		return as, nil
	case "s3":
		as, err := artifact.NewS3(ctx, cfg.Artifacts.S3)
		if err != nil {
			return nil, err
		}
		return as, nil
	default:
		return nil, eris.Errorf("unsupported artifacts backend: %s", cfg.Artifacts.Backend)
	}
}
