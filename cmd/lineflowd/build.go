package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/lineflow/internal/circuitbreaker"
	"github.com/lsm/lineflow/internal/config"
	"github.com/lsm/lineflow/internal/dlq"
	"github.com/lsm/lineflow/internal/kafka"
	"github.com/lsm/lineflow/internal/linestream"
	"github.com/lsm/lineflow/internal/observability"
	"github.com/lsm/lineflow/internal/pipeline"
	"github.com/lsm/lineflow/internal/ratelimit"
	"github.com/lsm/lineflow/internal/retry"
	"github.com/lsm/lineflow/internal/secret"
	"github.com/lsm/lineflow/internal/sink"
	filesink "github.com/lsm/lineflow/internal/sink/file"
	grpcsink "github.com/lsm/lineflow/internal/sink/grpc"
	"github.com/lsm/lineflow/internal/sink/guard"
	httpsink "github.com/lsm/lineflow/internal/sink/http"
	kafkasink "github.com/lsm/lineflow/internal/sink/kafka"
	"github.com/lsm/lineflow/internal/source"
	filesource "github.com/lsm/lineflow/internal/source/file"
	grpcsource "github.com/lsm/lineflow/internal/source/grpc"
	httpsource "github.com/lsm/lineflow/internal/source/http"
	kafkasource "github.com/lsm/lineflow/internal/source/kafka"
	"github.com/lsm/lineflow/internal/transform"
)

// builder turns flow definitions into pipelines. Kafka clients and HTTP
// listeners are shared between flows.
type builder struct {
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     *observability.Metrics
	clusters    *kafka.Registry
	publishers  *kafka.PublisherPool
	httpServers *httpsource.ServerPool

	newCallback func(context.Context, *config.TransformConfig) (linestream.Callback, io.Closer, error)
}

func newBuilder(logger *slog.Logger, tracer trace.Tracer, metrics *observability.Metrics) *builder {
	clusters := kafka.NewRegistry()
	return &builder{
		logger:      logger,
		tracer:      tracer,
		metrics:     metrics,
		clusters:    clusters,
		publishers:  kafka.NewPublisherPool(clusters),
		httpServers: httpsource.NewServerPool(logger),
		newCallback: transform.New,
	}
}

// loadClusters registers the named Kafka clusters of every flow. A cluster
// name defined by several flows keeps its first definition, in flow name
// order.
func (b *builder) loadClusters(flows map[string]*config.FlowDefinition) error {
	names := make([]string, 0, len(flows))
	for name := range flows {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for cluster, cfg := range flows[name].Kafka.Clusters {
			if b.clusters.Has(cluster) {
				b.logger.Warn("kafka cluster defined by several flows, keeping first", "cluster", cluster, "flow", name)
				continue
			}
			if err := b.clusters.Register(cluster, &cfg); err != nil {
				return fmt.Errorf("flow %s: %w", name, err)
			}
		}
	}
	if len(b.clusters.Names()) > 0 {
		b.logger.Info("loaded kafka clusters", "clusters", b.clusters.Names())
	}
	return nil
}

func (b *builder) build(ctx context.Context, def *config.FlowDefinition) (*pipeline.Pipeline, error) {
	logger := b.logger.With("flow", def.Name)

	src, propagateErrors, sourceCluster, err := b.buildSource(def, logger)
	if err != nil {
		return nil, err
	}

	cb, cbCloser, err := b.newCallback(ctx, def.Transform)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("transform: %w", err)
	}

	sk, err := b.buildSink(def, logger)
	if err != nil {
		_ = src.Close()
		_ = cbCloser.Close()
		return nil, err
	}

	dlqHandler, err := b.buildDLQ(def, sourceCluster, logger)
	if err != nil {
		_ = src.Close()
		_ = cbCloser.Close()
		_ = sk.Close()
		return nil, err
	}

	opts := []pipeline.Option{
		pipeline.WithLogger(b.logger),
		pipeline.WithTracer(b.tracer),
		pipeline.WithMetrics(b.metrics),
	}
	if rl := def.RateLimit; rl != nil {
		opts = append(opts, pipeline.WithRateLimit(ratelimit.New(rl.ChunksPerSecond, rl.Burst)))
	}

	cfg := pipeline.Config{
		FlowName:        def.Name,
		SourceName:      def.Source.Type,
		OnError:         def.ErrorHandling.OnError,
		PropagateErrors: propagateErrors,
		LineOptions:     def.Transform.LinestreamOptions(),
	}
	return pipeline.New(cfg, src, cb, sk, dlqHandler, opts...), nil
}

// buildSource returns the flow's source, whether callback errors are
// reported back to it, and the Kafka cluster it consumes from, if any.
func (b *builder) buildSource(def *config.FlowDefinition, logger *slog.Logger) (source.Source, bool, *kafka.ClusterConfig, error) {
	c := def.Source.Config

	switch def.Source.Type {
	case "file":
		s, err := filesource.NewSource(filesource.Config{
			Path:      getString(c, "path"),
			ChunkSize: getInt(c, "chunkSize"),
			Follow:    getBool(c, "follow"),
		}, logger)
		if err != nil {
			return nil, false, nil, fmt.Errorf("file source: %w", err)
		}
		return s, false, nil, nil

	case "http":
		s, err := httpsource.NewPooledSource(b.httpServers, httpsource.Config{
			ListenAddr: getString(c, "listenAddr"),
			Path:       getString(c, "path"),
			ChunkSize:  getInt(c, "chunkSize"),
		})
		if err != nil {
			return nil, false, nil, fmt.Errorf("http source: %w", err)
		}
		return s, true, nil, nil

	case "grpc":
		s, err := grpcsource.NewSource(grpcsource.Config{ListenAddr: getString(c, "listenAddr")}, logger)
		if err != nil {
			return nil, false, nil, fmt.Errorf("grpc source: %w", err)
		}
		return s, true, nil, nil

	case "kafka":
		cluster, err := b.clusters.Resolve(getString(c, "cluster"), getStringSlice(c, "brokers"))
		if err != nil {
			return nil, false, nil, fmt.Errorf("kafka source: %w", err)
		}
		s, err := kafkasource.NewSource(kafkasource.Config{
			Cluster:       cluster,
			Topic:         getString(c, "topic"),
			ConsumerGroup: getString(c, "consumerGroup"),
			StartOffset:   getString(c, "startOffset"),
		}, logger)
		if err != nil {
			return nil, false, nil, fmt.Errorf("kafka source: %w", err)
		}
		s.SetTracer(b.tracer)
		return s, false, cluster, nil

	default:
		return nil, false, nil, fmt.Errorf("unsupported source type: %s", def.Source.Type)
	}
}

func (b *builder) buildSink(def *config.FlowDefinition, logger *slog.Logger) (sink.Sink, error) {
	c := def.Sink.Config

	breaker, err := breakerConfig(c)
	if err != nil {
		return nil, fmt.Errorf("%s sink: %w", def.Sink.Type, err)
	}
	retries := retry.Config{
		MaxAttempts:     def.ErrorHandling.MaxRetries,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Jitter:          0.2,
	}

	switch def.Sink.Type {
	case "file":
		s, err := filesink.NewSink(filesink.Config{Path: getString(c, "path")}, logger)
		if err != nil {
			return nil, fmt.Errorf("file sink: %w", err)
		}
		return s, nil

	case "http":
		cfg := httpsink.Config{
			URL:     getString(c, "url"),
			Method:  getString(c, "method"),
			Headers: getStringMap(c, "headers"),
			Retry: httpsink.RetryConfig{
				MaxAttempts:     retries.MaxAttempts,
				InitialInterval: retries.InitialInterval,
				MaxInterval:     retries.MaxInterval,
			},
		}
		if auth := getMap(c, "auth"); auth != nil {
			src, err := secret.New(secret.Config{
				Type:   getString(auth, "type"),
				File:   getString(auth, "file"),
				Env:    getString(auth, "env"),
				Header: getString(auth, "header"),
			})
			if err != nil {
				return nil, fmt.Errorf("http sink: %w", err)
			}
			cfg.Auth = src
		}
		s, err := httpsink.NewSink(cfg)
		if err != nil {
			return nil, fmt.Errorf("http sink: %w", err)
		}
		s.SetTracer(b.tracer)
		s.SetLogger(logger)
		// The HTTP sink retries on its own.
		return b.guard(def.Name, s, guard.Config{Breaker: breaker}, logger), nil

	case "grpc":
		timeout, err := getDuration(c, "timeout")
		if err != nil {
			return nil, fmt.Errorf("grpc sink: %w", err)
		}
		s, err := grpcsink.NewSink(grpcsink.Config{
			Address: getString(c, "address"),
			Method:  getString(c, "method"),
			TLS:     getBool(c, "tls"),
			Timeout: timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("grpc sink: %w", err)
		}
		s.SetTracer(b.tracer)
		s.SetLogger(logger)
		return b.guard(def.Name, s, guard.Config{
			Retry:     retries,
			Breaker:   breaker,
			Permanent: grpcsink.IsPermanent,
		}, logger), nil

	case "kafka":
		cluster, err := b.clusters.Resolve(getString(c, "cluster"), getStringSlice(c, "brokers"))
		if err != nil {
			return nil, fmt.Errorf("kafka sink: %w", err)
		}
		pub, err := b.publisher(cluster)
		if err != nil {
			return nil, fmt.Errorf("kafka sink: %w", err)
		}
		s, err := kafkasink.NewSink(kafkasink.Config{Topic: getString(c, "topic")}, pub)
		if err != nil {
			return nil, fmt.Errorf("kafka sink: %w", err)
		}
		s.SetTracer(b.tracer)
		s.SetLogger(logger)
		return b.guard(def.Name, s, guard.Config{Retry: retries, Breaker: breaker}, logger), nil

	default:
		return nil, fmt.Errorf("unsupported sink type: %s", def.Sink.Type)
	}
}

// guard wraps a network sink and reports its retries and breaker state.
func (b *builder) guard(flow string, s sink.Sink, cfg guard.Config, logger *slog.Logger) *guard.Sink {
	opts := []guard.Option{guard.WithLogger(logger)}
	if b.metrics != nil {
		b.metrics.SinkCircuitState.WithLabelValues(flow).Set(float64(circuitbreaker.Closed))
		opts = append(opts,
			guard.WithRetryHook(func(int, error, time.Duration) {
				b.metrics.SinkRetries.WithLabelValues(flow).Inc()
			}),
			guard.WithStateChange(func(_, to circuitbreaker.State) {
				b.metrics.SinkCircuitState.WithLabelValues(flow).Set(float64(to))
			}),
		)
	}
	return guard.New(s, cfg, opts...)
}

// breakerConfig reads the optional circuitBreaker block of a sink.
func breakerConfig(c map[string]interface{}) (*circuitbreaker.Config, error) {
	m := getMap(c, "circuitBreaker")
	if m == nil {
		return nil, nil
	}
	reset, err := getDuration(m, "resetTimeout")
	if err != nil {
		return nil, fmt.Errorf("circuitBreaker: %w", err)
	}
	return &circuitbreaker.Config{
		FailureThreshold: getInt(m, "failureThreshold"),
		SuccessThreshold: getInt(m, "successThreshold"),
		ResetTimeout:     reset,
	}, nil
}

// buildDLQ publishes failed chunks to deadLetterCluster, or to the source
// cluster of a Kafka flow. Other flows without a dead-letter cluster discard
// them.
func (b *builder) buildDLQ(def *config.FlowDefinition, sourceCluster *kafka.ClusterConfig, logger *slog.Logger) (*dlq.Handler, error) {
	eh := def.ErrorHandling

	cluster := sourceCluster
	if eh.DeadLetterCluster != "" {
		c, err := b.clusters.Resolve(eh.DeadLetterCluster, nil)
		if err != nil {
			return nil, fmt.Errorf("dlq: %w", err)
		}
		cluster = c
	}
	if cluster == nil {
		if eh.DeadLetterTopic != "" {
			logger.Warn("deadLetterTopic set without a kafka cluster, failed chunks are discarded", "topic", eh.DeadLetterTopic)
		}
		return dlq.NewHandler(&dlq.NoopPublisher{}), nil
	}

	pub, err := b.publisher(cluster)
	if err != nil {
		return nil, fmt.Errorf("dlq publisher: %w", err)
	}
	var opts []dlq.Option
	if eh.DeadLetterTopic != "" {
		opts = append(opts, dlq.WithTopic(eh.DeadLetterTopic))
	}
	return dlq.NewHandler(pub, opts...), nil
}

func (b *builder) publisher(cluster *kafka.ClusterConfig) (*kafka.PooledPublisher, error) {
	if cluster.Name != "" {
		return b.publishers.Get(cluster.Name)
	}
	return b.publishers.GetForConfig(cluster)
}

// Close releases the shared Kafka clients and HTTP listeners.
func (b *builder) Close() error {
	_ = b.httpServers.Close()
	return b.publishers.Close()
}

func getString(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}

func getBool(m map[string]interface{}, key string) bool {
	v, _ := m[key].(bool)
	return v
}

func getInt(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func getDuration(m map[string]interface{}, key string) (time.Duration, error) {
	s := getString(m, key)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("key %q: %w", key, err)
	}
	return d, nil
}

func getStringSlice(m map[string]interface{}, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func getMap(m map[string]interface{}, key string) map[string]interface{} {
	v, _ := m[key].(map[string]interface{})
	return v
}

func getStringMap(m map[string]interface{}, key string) map[string]string {
	raw, ok := m[key].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	return out
}
