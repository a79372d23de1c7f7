package factory

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"ratelimit-gateway/internal/audit"
	"ratelimit-gateway/internal/bucketing"
	"ratelimit-gateway/internal/client"
	"ratelimit-gateway/internal/config"
	"ratelimit-gateway/internal/encryption"
	"ratelimit-gateway/internal/limiter"
	"ratelimit-gateway/internal/policy"
	redisrepo "ratelimit-gateway/internal/repository/redis"
	"ratelimit-gateway/internal/repository/scylla"
	"ratelimit-gateway/internal/tls"
	"ratelimit-gateway/internal/util"
)

// Factory manages the lifecycle of all application dependencies. The limiter
// is constructed here and injected into the request pipeline; nothing reaches
// for a module-level instance.
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	clickhouseClient *client.ClickHouseClient

	// Managers
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	// Domain components
	windowStore      *redisrepo.WindowStore
	policyRepository scylla.PolicyRepository
	resolver         *policy.Resolver
	limiter          *limiter.Limiter
	auditRecorder    *audit.Recorder

	backgroundCancel context.CancelFunc
	backgroundWg     sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads configuration and initializes all dependencies. Invalid
// rate-limit configuration or an unreachable Redis is fatal; the optional
// sinks (Kafka, ClickHouse, Scylla) degrade to disabled with a warning.
func NewFactory() (*Factory, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(&tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		})
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	factory.initializeComponents()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("policy_store_enabled", factory.policyRepository != nil),
		util.Bool("kafka_enabled", factory.kafkaProducer != nil),
		util.Bool("clickhouse_enabled", factory.clickhouseClient != nil),
	)

	return factory, nil
}

func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Redis backs the shared window store and is required.
	redisClient, err := client.NewRedisClient(f.config, util.Get())
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	f.redisClient = redisClient
	if err := f.redisClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("redis health check: %w", err)
	}
	util.Info("Redis client initialized and healthy")

	// ScyllaDB holds policy overrides; optional.
	if f.config.Scylla.Enabled {
		if scyllaClient, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
			util.Warn("Scylla initialization failed - proceeding without policy store", util.ErrorField(err))
		} else {
			f.scyllaClient = scyllaClient
			util.Info("ScyllaDB client initialized")
		}
	}

	// Kafka carries throttle events; optional.
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	// ClickHouse stores decision analytics; optional.
	if f.config.Clickhouse.Enabled {
		if chClient, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
			util.Warn("ClickHouse initialization failed - proceeding without analytics", util.ErrorField(err))
		} else {
			f.clickhouseClient = chClient
			util.Info("ClickHouse client initialized")
		}
	}

	return nil
}

func (f *Factory) initializeComponents() {
	cfg := f.config

	f.bucketingManager = bucketing.NewBucketingManager(
		cfg.Bucketing.ClientBuckets,
		cfg.Bucketing.EventBuckets,
	)

	var kmsClient *kms.Client
	if cfg.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(cfg.KMS.Region))
		if err != nil {
			util.Warn("AWS configuration failed - audit events use local key material", util.ErrorField(err))
		} else {
			kmsClient = kms.NewFromConfig(awsCfg)
		}
	}
	f.encryptionManager = encryption.NewEncryptionManager(cfg, kmsClient)

	f.windowStore = redisrepo.NewWindowStore(f.redisClient)

	if f.scyllaClient != nil {
		f.policyRepository = scylla.NewPolicyRepository(f.scyllaClient, f.bucketingManager, util.Get())
	}

	f.resolver = policy.NewResolver(f.policyRepository, policy.Defaults{
		StandardLimit: cfg.RateLimit.StandardLimit,
		PremiumLimit:  cfg.RateLimit.PremiumLimit,
	}, 30*time.Second, util.Get())

	f.limiter = limiter.New(
		limiter.Config{
			StandardLimit: cfg.RateLimit.StandardLimit,
			PremiumLimit:  cfg.RateLimit.PremiumLimit,
			Window:        cfg.RateLimit.Window,
		},
		limiter.BreakerConfig{
			CallTimeout:    cfg.CircuitBreaker.CallTimeout,
			ResetTimeout:   cfg.CircuitBreaker.ResetTimeout,
			ErrorThreshold: cfg.CircuitBreaker.ErrorThreshold,
			MinimumVolume:  cfg.CircuitBreaker.MinimumVolume,
			RollingWindow:  cfg.CircuitBreaker.RollingWindow,
		},
		f.windowStore,
		util.Get(),
	)

	if f.kafkaProducer != nil || f.clickhouseClient != nil {
		f.auditRecorder = audit.NewRecorder(
			f.kafkaProducer,
			f.clickhouseClient,
			f.encryptionManager,
			f.bucketingManager,
			util.Get(),
		)
		f.auditRecorder.Start()
	}

	f.limiter.Breaker().OnStateChange(func(from, to limiter.BreakerState) {
		util.Warn("rate limit store breaker state changed",
			util.String("from", from.String()),
			util.String("to", to.String()))
		if f.auditRecorder != nil {
			f.auditRecorder.RecordBreakerTransition(from, to)
		}
	})
}

// StartBackground launches the store health loop.
func (f *Factory) StartBackground() {
	ctx, cancel := context.WithCancel(context.Background())
	f.backgroundCancel = cancel

	f.backgroundWg.Add(1)
	go func() {
		defer f.backgroundWg.Done()
		f.limiter.RunHealthLoop(ctx, f.config.RateLimit.HealthCheckInterval)
	}()
}

// Upstream builds the reverse proxy for the fronted API, or nil when no
// upstream is configured.
func (f *Factory) Upstream() (http.Handler, error) {
	if f.config.Upstream.URL == "" {
		return nil, nil
	}
	target, err := url.Parse(f.config.Upstream.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		util.Error("upstream proxy error",
			util.String("path", r.URL.Path),
			util.ErrorField(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"upstream unavailable"}`))
	}
	return proxy, nil
}

// HealthCheck aggregates dependency health. Optional sinks report only when
// configured.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(); err != nil {
			healthErrors["scylla"] = err
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	return healthErrors
}

// Readiness gates only on the dependencies the request path needs. The
// limiter tolerates a Redis outage via its local fallback, so readiness
// stays green as long as the process can serve decisions.
func (f *Factory) Readiness(ctx context.Context) map[string]error {
	failures := make(map[string]error)
	if f.limiter == nil {
		failures["limiter"] = fmt.Errorf("limiter not initialized")
	}
	return failures
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.backgroundCancel != nil {
			f.backgroundCancel()
			f.backgroundWg.Wait()
		}

		if f.auditRecorder != nil {
			f.auditRecorder.Close()
			util.Info("Audit recorder drained and closed")
		}

		if f.limiter != nil {
			f.limiter.Close()
			util.Info("Limiter counters cleared")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
			util.Info("Encryption key material cleared")
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) Limiter() *limiter.Limiter {
	return f.limiter
}

func (f *Factory) WindowStore() *redisrepo.WindowStore {
	return f.windowStore
}

func (f *Factory) PolicyRepository() scylla.PolicyRepository {
	return f.policyRepository
}

func (f *Factory) Resolver() *policy.Resolver {
	return f.resolver
}

func (f *Factory) AuditRecorder() *audit.Recorder {
	return f.auditRecorder
}
