// Package backend opens the storage, queue and cache backends selected by
// configuration. The server and the worker share it so both processes agree
// on where jobs live.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kiranshivaraju/framehunter/internal/cache"
	"github.com/kiranshivaraju/framehunter/internal/config"
	"github.com/kiranshivaraju/framehunter/internal/detect"
	"github.com/kiranshivaraju/framehunter/internal/objectstore"
	"github.com/kiranshivaraju/framehunter/internal/queue"
	"github.com/kiranshivaraju/framehunter/internal/retrieval"
	"github.com/kiranshivaraju/framehunter/internal/store"
)

// Backends holds the shared state of one process.
type Backends struct {
	Store store.Store
	Queue queue.Queue
	Cache cache.Cache
	AWS   aws.Config
	// Generations is nil when no counter is shared between the server and
	// the worker; the retrieval result cache is then disabled.
	Generations retrieval.Generations

	closers []func() error
}

// LoadAWS resolves the default credential chain. A configured endpoint
// replaces every service endpoint, which is how local stacks are reached.
func LoadAWS(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.Endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return awsCfg, nil
}

// Open connects the store, cache and queue. On error everything opened so
// far is closed again.
func Open(ctx context.Context, cfg *config.Config) (_ *Backends, err error) {
	b := &Backends{}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	if b.AWS, err = LoadAWS(ctx, cfg.AWS); err != nil {
		return nil, err
	}
	if err = b.openStore(ctx, cfg); err != nil {
		return nil, err
	}
	if err = b.openCache(ctx, cfg); err != nil {
		return nil, err
	}
	if err = b.openQueue(cfg.Queue); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backends) openStore(ctx context.Context, cfg *config.Config) error {
	switch cfg.Store.Backend {
	case "postgres":
		pool, err := store.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		b.closers = append(b.closers, func() error { pool.Close(); return nil })
		slog.Info("database connected")

		if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database migrations applied")
		b.Store = store.NewPostgresStore(pool)
	case "dynamodb":
		b.Store = store.NewDynamoStore(dynamodb.NewFromConfig(b.AWS), cfg.Store.DynamoJobsTable, cfg.Store.DynamoKeysTable)
		slog.Info("dynamodb store configured", "jobs_table", cfg.Store.DynamoJobsTable)
	case "memory":
		slog.Warn("using in-memory store; jobs are lost on restart and not shared between processes")
		b.Store = store.NewMemoryStore()
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	return nil
}

// openCache falls back to a process-local cache when no Redis is configured.
// Rate limits are then per process, and retrieval generations are only
// shared when the store is process-local too.
func (b *Backends) openCache(ctx context.Context, cfg *config.Config) error {
	if cfg.Redis.URL == "" {
		mc := cache.NewMemoryCache()
		b.Cache = mc
		if cfg.Store.Backend == "memory" {
			slog.Warn("REDIS_URL not set; using in-memory cache")
			b.Generations = mc
		} else {
			slog.Warn("REDIS_URL not set; using in-memory rate limits and disabling the retrieval cache",
				"store", cfg.Store.Backend)
		}
		return nil
	}
	rc, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	b.closers = append(b.closers, rc.Close)
	if err := rc.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")
	b.Cache = rc
	b.Generations = rc
	return nil
}

func (b *Backends) openQueue(cfg config.QueueConfig) error {
	switch cfg.Backend {
	case "redis":
		rc, ok := b.Cache.(*cache.RedisCache)
		if !ok {
			return errors.New("redis queue requires REDIS_URL")
		}
		b.Queue = queue.NewRedisQueue(rc.Client(), cfg.Name, cfg.MaxReceives)
	case "sqs":
		b.Queue = queue.NewSQSQueue(sqs.NewFromConfig(b.AWS), cfg.SQSURL)
	case "rabbitmq":
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			return fmt.Errorf("dial amqp: %w", err)
		}
		b.closers = append(b.closers, conn.Close)
		rq, err := queue.NewRabbitQueue(conn, cfg.Name, cfg.MaxReceives)
		if err != nil {
			return err
		}
		b.closers = append(b.closers, rq.Close)
		b.Queue = rq
	case "memory":
		slog.Warn("using in-memory queue; only this process can consume it")
		b.Queue = queue.NewMemoryQueue(cfg.MaxReceives)
	default:
		return fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
	slog.Info("queue configured", "backend", cfg.Backend, "name", cfg.Name)
	return nil
}

// Close releases connections in reverse order of opening.
func (b *Backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// OpenObjects returns the object store the worker downloads sources from.
func OpenObjects(cfg config.ObjectConfig, awsCfg aws.Config) (objectstore.Store, error) {
	switch cfg.Backend {
	case "s3":
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.UsePathStyle = awsCfg.BaseEndpoint != nil
		})
		return objectstore.NewS3Store(client), nil
	case "minio":
		return objectstore.NewMinIOStore(cfg)
	default:
		return nil, fmt.Errorf("unknown object backend %q", cfg.Backend)
	}
}

// OpenDetector returns the text and label detector used by the analysis tools.
func OpenDetector(cfg config.DetectConfig, awsCfg aws.Config) (detect.Detector, error) {
	switch cfg.Backend {
	case "rekognition":
		return detect.NewRekognitionDetector(rekognition.NewFromConfig(awsCfg), cfg.MaxLabels, cfg.MinLabelConfidence), nil
	case "http":
		return detect.NewHTTPDetector(cfg.BaseURL, cfg.APIKey, cfg.MaxLabels, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown detector backend %q", cfg.Backend)
	}
}
