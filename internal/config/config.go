package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/lsm/lineflow/internal/kafka"
	"github.com/lsm/lineflow/internal/linestream"
)

// Error policies for chunks whose line transform failed.
const (
	OnErrorContinue = "continue"
	OnErrorStop     = "stop"
)

var (
	sourceTypes = map[string]bool{"file": true, "http": true, "grpc": true, "kafka": true}
	sinkTypes   = map[string]bool{"file": true, "http": true, "grpc": true, "kafka": true}
)

// FlowDefinition describes one line-transform flow: where chunks come from,
// how each line is transformed and where the output goes.
type FlowDefinition struct {
	Name          string                  `yaml:"name"`
	Source        SourceConfig            `yaml:"source"`
	Transform     *TransformConfig        `yaml:"transform,omitempty"`
	Sink          SinkConfig              `yaml:"sink"`
	ErrorHandling ErrorHandlingConfig     `yaml:"errorHandling"`
	RateLimit     *RateLimitConfig        `yaml:"rateLimit,omitempty"`
	Kafka         kafka.KafkaGlobalConfig `yaml:"kafka,omitempty"`
}

// SourceConfig holds source configuration.
type SourceConfig struct {
	Type   string                 `yaml:"type"`
	Config map[string]interface{} `yaml:"config"`
}

// TransformConfig selects the per-line callback and the line framing options.
// At most one of CEL, Mapping and WASM may be set; none means identity.
type TransformConfig struct {
	CEL     string                 `yaml:"cel,omitempty"`
	Mapping map[string]interface{} `yaml:"mapping,omitempty"`
	WASM    *WASMConfig            `yaml:"wasm,omitempty"`

	// Timeout bounds a single CEL evaluation.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	StringEncoding   string `yaml:"stringEncoding,omitempty"`
	AutomaticNewline *bool  `yaml:"automaticNewline,omitempty"`
	EmitEmptyChunks  bool   `yaml:"emitEmptyChunks,omitempty"`
}

// WASMConfig points at a WASI module run once per line.
type WASMConfig struct {
	Module           string            `yaml:"module"`
	Timeout          time.Duration     `yaml:"timeout,omitempty"`
	MemoryLimitPages uint32            `yaml:"memoryLimitPages,omitempty"`
	Env              map[string]string `yaml:"env,omitempty"`
}

// LinestreamOptions returns the framing options for the flow's transformers.
func (c *TransformConfig) LinestreamOptions() []linestream.Option {
	if c == nil {
		return nil
	}
	var opts []linestream.Option
	if c.StringEncoding != "" {
		opts = append(opts, linestream.WithStringEncoding(c.StringEncoding))
	}
	if c.AutomaticNewline != nil {
		opts = append(opts, linestream.WithAutomaticNewline(*c.AutomaticNewline))
	}
	if c.EmitEmptyChunks {
		opts = append(opts, linestream.WithEmptyChunks(true))
	}
	return opts
}

// SinkConfig holds sink configuration.
type SinkConfig struct {
	Type   string                 `yaml:"type"`
	Config map[string]interface{} `yaml:"config"`
}

// ErrorHandlingConfig holds error handling configuration.
type ErrorHandlingConfig struct {
	// OnError is "continue" (default) or "stop".
	OnError         string `yaml:"onError,omitempty"`
	DeadLetterTopic string `yaml:"deadLetterTopic,omitempty"`
	// DeadLetterCluster names a cluster from the kafka section used for the
	// dead-letter topic when the source is not Kafka.
	DeadLetterCluster string `yaml:"deadLetterCluster,omitempty"`
	MaxRetries        int    `yaml:"maxRetries,omitempty"`
}

// RateLimitConfig throttles chunk admission per stream.
type RateLimitConfig struct {
	ChunksPerSecond float64 `yaml:"chunksPerSecond"`
	Burst           int     `yaml:"burst,omitempty"`
}

// Validate reports every problem in the flow definition.
func (f *FlowDefinition) Validate() error {
	var errs []error

	if f.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if !sourceTypes[f.Source.Type] {
		errs = append(errs, fmt.Errorf("source.type %q is not supported", f.Source.Type))
	}
	if !sinkTypes[f.Sink.Type] {
		errs = append(errs, fmt.Errorf("sink.type %q is not supported", f.Sink.Type))
	}

	if t := f.Transform; t != nil {
		set := 0
		if t.CEL != "" {
			set++
		}
		if len(t.Mapping) > 0 {
			set++
		}
		if t.WASM != nil {
			set++
			if t.WASM.Module == "" {
				errs = append(errs, errors.New("transform.wasm.module is required"))
			}
		}
		if set > 1 {
			errs = append(errs, errors.New("transform: only one of cel, mapping or wasm may be set"))
		}
		if t.Timeout < 0 {
			errs = append(errs, errors.New("transform.timeout must not be negative"))
		}
		if _, err := linestream.LookupEncoding(t.StringEncoding); err != nil {
			errs = append(errs, fmt.Errorf("transform.stringEncoding: %w", err))
		}
	}

	switch f.ErrorHandling.OnError {
	case "", OnErrorContinue, OnErrorStop:
	default:
		errs = append(errs, fmt.Errorf("errorHandling.onError %q must be %q or %q", f.ErrorHandling.OnError, OnErrorContinue, OnErrorStop))
	}
	if f.ErrorHandling.MaxRetries < 0 {
		errs = append(errs, errors.New("errorHandling.maxRetries must not be negative"))
	}
	if c := f.ErrorHandling.DeadLetterCluster; c != "" {
		if _, ok := f.Kafka.Clusters[c]; !ok {
			errs = append(errs, fmt.Errorf("errorHandling.deadLetterCluster %q is not defined in kafka.clusters", c))
		}
	}

	if r := f.RateLimit; r != nil {
		if r.ChunksPerSecond <= 0 {
			errs = append(errs, errors.New("rateLimit.chunksPerSecond must be positive"))
		}
		if r.Burst < 0 {
			errs = append(errs, errors.New("rateLimit.burst must not be negative"))
		}
	}

	if err := f.Kafka.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("kafka: %w", err))
	}

	return errors.Join(errs...)
}

// Loader loads and watches flow definition files.
type Loader struct {
	mu       sync.RWMutex
	flows    map[string]*FlowDefinition
	dir      string
	logger   *slog.Logger
	onChange func(map[string]*FlowDefinition)
}

// NewLoader creates a new configuration loader for the given directory.
func NewLoader(dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		flows:  make(map[string]*FlowDefinition),
		dir:    dir,
		logger: logger,
	}
}

// OnChange registers a callback that fires when config files change.
func (l *Loader) OnChange(fn func(map[string]*FlowDefinition)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

// Load reads all YAML files from the configured directory. Files that fail
// to parse or validate are logged and skipped.
func (l *Loader) Load() (map[string]*FlowDefinition, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read config dir %s: %w", l.dir, err)
	}

	flows := make(map[string]*FlowDefinition)
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}

		path := filepath.Join(l.dir, entry.Name())
		flow, err := LoadFile(path)
		if err != nil {
			l.logger.Error("failed to load config file", "path", path, "error", err)
			continue
		}
		if _, dup := flows[flow.Name]; dup {
			l.logger.Warn("duplicate flow name, keeping first", "flow", flow.Name, "path", path)
			continue
		}
		flows[flow.Name] = flow
	}

	l.mu.Lock()
	l.flows = flows
	l.mu.Unlock()

	return flows, nil
}

// Watch starts watching the config directory for changes. Blocks until done is closed.
func (l *Loader) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close() // intentionally ignoring close error during cleanup
	}()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", l.dir, err)
	}

	l.logger.Info("watching config directory", "dir", l.dir)

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isYAML(event.Name) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				l.logger.Info("config change detected", "file", event.Name, "op", event.Op)
				flows, err := l.Load()
				if err != nil {
					l.logger.Error("failed to reload config", "error", err)
					continue
				}
				l.mu.RLock()
				fn := l.onChange
				l.mu.RUnlock()
				if fn != nil {
					fn(flows)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("watcher error", "error", err)
		}
	}
}

// GetFlows returns a copy of the currently loaded flows.
func (l *Loader) GetFlows() map[string]*FlowDefinition {
	l.mu.RLock()
	defer l.mu.RUnlock()

	flows := make(map[string]*FlowDefinition, len(l.flows))
	for k, v := range l.flows {
		flows[k] = v
	}
	return flows
}

// LoadFile parses and validates a single flow definition file.
func LoadFile(path string) (*FlowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var flow FlowDefinition
	if err := yaml.Unmarshal(data, &flow); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	if flow.Name == "" {
		return nil, fmt.Errorf("flow definition missing 'name' field in %s", path)
	}
	if err := flow.Validate(); err != nil {
		return nil, fmt.Errorf("flow %s: %w", flow.Name, err)
	}

	return &flow, nil
}

func isYAML(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}
