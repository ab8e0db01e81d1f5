package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/rs/zerolog"

	"github.com/buildtall-systems/orderflow/internal/config"
	"github.com/buildtall-systems/orderflow/internal/db"
	"github.com/buildtall-systems/orderflow/internal/logging"
	"github.com/buildtall-systems/orderflow/internal/metrics"
	"github.com/buildtall-systems/orderflow/internal/notify"
	"github.com/buildtall-systems/orderflow/internal/orders"
	"github.com/buildtall-systems/orderflow/internal/payment"
	"github.com/buildtall-systems/orderflow/internal/queue"
	"github.com/buildtall-systems/orderflow/internal/tracing"
)

const tracingShutdownTimeout = 5 * time.Second

// app holds the shared dependencies a command needs. Fields a command did
// not ask for stay nil.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *metrics.Metrics
	db      *db.DB
	queue   queue.Queue
	emitter *notify.Emitter
}

type needs struct {
	queue  bool
	notify bool
}

func setup(ctx context.Context, n needs) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format, cfg.Service)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	a.db, err = db.OpenDriver(cfg.Database.Driver, cfg.Database.DSN, cfg.Database.MaxOpenConns)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := a.db.Migrate(); err != nil {
		a.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Info().Str("driver", a.db.Driver()).Msg("database ready")

	if n.queue {
		if a.queue, err = openQueue(ctx, cfg.Queue); err != nil {
			a.Close()
			return nil, err
		}
		logger.Info().Str("driver", cfg.Queue.Driver).Msg("queue ready")
	}

	if n.notify {
		sender, err := openSender(ctx, cfg.Notify, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.emitter = notify.NewEmitter(sender, logger, a.metrics)
		logger.Info().Str("driver", cfg.Notify.Driver).Msg("notifier ready")
	}

	return a, nil
}

func (a *app) Close() {
	if a.emitter != nil {
		if err := a.emitter.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("closing notifier")
		}
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("closing queue")
		}
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func (a *app) processor() *orders.Processor {
	gateway := payment.NewSimulator(a.cfg.Payment.SuccessRate, a.cfg.Payment.Latency, time.Now().UnixNano())
	return orders.NewProcessor(a.db, gateway, a.emitter, orders.Options{
		FulfillmentLatency: a.cfg.Worker.FulfillmentLatency,
		OrderTimeout:       a.cfg.Worker.OrderTimeout,
		Logger:             a.logger,
		Metrics:            a.metrics,
	})
}

func (a *app) intake() *orders.Intake {
	return orders.NewIntake(a.db, a.queue, a.emitter, a.logger)
}

// startTracing installs the Jaeger exporter when enabled and returns its
// shutdown function.
func (a *app) startTracing() func() {
	if !a.cfg.Tracing.Enabled {
		return func() {}
	}
	shutdown, err := tracing.Init(a.cfg.Service, a.cfg.Tracing.JaegerEndpoint)
	if err != nil {
		a.logger.Warn().Err(err).Msg("tracing disabled")
		return func() {}
	}
	a.logger.Info().Str("endpoint", a.cfg.Tracing.JaegerEndpoint).Msg("tracing enabled")
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), tracingShutdownTimeout)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("flushing traces")
		}
	}
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (queue.Queue, error) {
	switch cfg.Driver {
	case "memory":
		return queue.NewMemoryQueue(cfg.VisibilityTimeout), nil
	case "redis":
		q, err := queue.NewRedisQueue(ctx, queue.RedisOptions{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			Stream:     cfg.Redis.Stream,
			Group:      cfg.Redis.Group,
			Consumer:   cfg.Redis.Consumer,
			Visibility: cfg.VisibilityTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("opening redis queue: %w", err)
		}
		return q, nil
	case "rabbitmq":
		q, err := queue.NewRabbitQueue(cfg.RabbitMQ.URL, cfg.RabbitMQ.Queue, cfg.VisibilityTimeout)
		if err != nil {
			return nil, fmt.Errorf("opening rabbitmq queue: %w", err)
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
	}
}

func openSender(ctx context.Context, cfg config.NotifyConfig, logger zerolog.Logger) (notify.Sender, error) {
	switch cfg.Driver {
	case "log":
		return notify.NewLogSender(logger), nil
	case "kafka":
		return notify.NewKafkaSender(cfg.Kafka.Brokers, cfg.Kafka.Topic), nil
	case "rabbitmq":
		s, err := notify.NewRabbitSender(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
		if err != nil {
			return nil, fmt.Errorf("opening rabbitmq notifier: %w", err)
		}
		return s, nil
	case "nostr":
		sk, err := nostrSecretKey(cfg.Nostr.SecretKey)
		if err != nil {
			return nil, err
		}
		s, err := notify.NewNostrSender(cfg.Nostr.Relays, sk, logger)
		if err != nil {
			return nil, fmt.Errorf("creating nostr notifier: %w", err)
		}
		if err := s.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connecting to relays: %w", err)
		}
		if npub, err := nip19.EncodePublicKey(s.PublicKey()); err == nil {
			logger.Info().Str("npub", npub).Strs("relays", cfg.Nostr.Relays).Msg("publishing to nostr")
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported notify driver %q", cfg.Driver)
	}
}

// nostrSecretKey accepts a hex or nsec encoded key and returns hex.
func nostrSecretKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("nostr secret key is empty")
	}
	if !strings.HasPrefix(key, "nsec") {
		return key, nil
	}
	prefix, value, err := nip19.Decode(key)
	if err != nil {
		return "", fmt.Errorf("decoding nsec: %w", err)
	}
	hex, ok := value.(string)
	if prefix != "nsec" || !ok {
		return "", fmt.Errorf("decoding nsec: unexpected prefix %q", prefix)
	}
	return hex, nil
}
