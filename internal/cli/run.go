package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/lsm/lineflow/internal/config"
	"github.com/lsm/lineflow/internal/linestream"
	"github.com/lsm/lineflow/internal/observability"
	"github.com/lsm/lineflow/internal/source"
	filesource "github.com/lsm/lineflow/internal/source/file"
	"github.com/lsm/lineflow/internal/transform"
)

const runUsage = `Usage: lineflow run [options] [file]

Transforms a file (or stdin) line by line and writes the result to stdout.
Without a transform option every line is copied unchanged.

Options:
  --flow <path>        Use the transform section of a flow definition
  --cel <expr>         CEL expression; sees 'line' and 'number'
  --mapping <path>     YAML mapping applied to JSON lines
  --wasm <path>        WASI module run once per line
  --encoding <name>    Input encoding (default: utf-8)
  --no-newline         Do not append a newline to transformed lines
  --empty-chunks       Emit output chunks that contain no lines
  --chunk-size <n>     Read size in bytes (default: 65536)
  --log-level <level>  debug, info, warn or error (default: warn)

Examples:
  lineflow run --cel 'line.upperAscii()' access.log
  cat events.jsonl | lineflow run --mapping mapping.yaml
  lineflow run --flow flows/orders.yaml orders.jsonl`

type runOptions struct {
	flowPath  string
	transform config.TransformConfig
	noNewline bool
	chunkSize int
	logLevel  string
	input     string
}

// RunLines streams a file or stdin through a line transform to out.
func RunLines(args []string, in io.Reader, out io.Writer) error {
	if len(args) > 0 && (args[0] == "-h" || args[0] == "--help") {
		fmt.Println(runUsage)
		return nil
	}
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}

	opts, err := parseRunArgs(args)
	if err != nil {
		return err
	}

	tcfg := &opts.transform
	if opts.flowPath != "" {
		flow, err := config.LoadFile(opts.flowPath)
		if err != nil {
			return fmt.Errorf("load flow: %w", err)
		}
		if flow.Transform != nil {
			tcfg = flow.Transform
		} else {
			tcfg = nil
		}
	}
	if opts.noNewline {
		if tcfg == nil {
			tcfg = &config.TransformConfig{}
		}
		off := false
		tcfg.AutomaticNewline = &off
	}

	level := opts.logLevel
	if level == "" && os.Getenv("LINEFLOW_LOG_LEVEL") == "" {
		level = "warn"
	}
	logger := observability.NewLoggerTo(os.Stderr, "lineflow", observability.GetLogLevel(level))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cb, closer, err := transform.New(ctx, tcfg)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	var src *filesource.Source
	cfg := filesource.Config{Path: opts.input, ChunkSize: opts.chunkSize}
	if opts.input == "" || opts.input == "-" {
		src = filesource.NewReaderSource(in, "stdin", cfg, logger)
	} else {
		src, err = filesource.NewSource(cfg, logger)
		if err != nil {
			return err
		}
	}
	defer func() { _ = src.Close() }()

	bw := bufio.NewWriter(out)
	lsOpts := append(tcfg.LinestreamOptions(), linestream.WithLogger(logger))
	t, err := linestream.New(cb, linestream.WriterStage(bw), lsOpts...)
	if err != nil {
		return err
	}

	err = src.Start(ctx, func(ctx context.Context, c source.Chunk) error {
		if c.End {
			return t.End(ctx)
		}
		return t.Write(ctx, c.Data)
	})
	if err != nil {
		// Lines transformed before the failure are still written.
		_ = bw.Flush()
		var cbErr *linestream.CallbackError
		if errors.As(err, &cbErr) {
			return fmt.Errorf("line %d %q: %w", cbErr.Line, cbErr.Text, cbErr.Err)
		}
		return err
	}
	return nil
}

func parseRunArgs(args []string) (*runOptions, error) {
	opts := &runOptions{}
	set := 0

	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		if !strings.HasPrefix(arg, "--") {
			if opts.input != "" {
				return nil, fmt.Errorf("unexpected argument %q", arg)
			}
			opts.input = arg
			continue
		}

		switch name {
		case "--no-newline":
			opts.noNewline = true
			continue
		case "--empty-chunks":
			opts.transform.EmitEmptyChunks = true
			continue
		}

		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("flag %s requires a value", name)
			}
			value = args[i+1]
			i++
		}

		switch name {
		case "--flow":
			opts.flowPath = value
		case "--cel":
			opts.transform.CEL = value
			set++
		case "--mapping":
			m, err := loadMapping(value)
			if err != nil {
				return nil, err
			}
			opts.transform.Mapping = m
			set++
		case "--wasm":
			opts.transform.WASM = &config.WASMConfig{Module: value}
			set++
		case "--encoding":
			opts.transform.StringEncoding = value
		case "--chunk-size":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return nil, fmt.Errorf("invalid value for --chunk-size: must be a positive integer")
			}
			opts.chunkSize = n
		case "--log-level":
			opts.logLevel = value
		default:
			return nil, fmt.Errorf("unknown flag %s\nRun 'lineflow run -h' for usage", name)
		}
	}

	if set > 1 {
		return nil, errors.New("only one of --cel, --mapping or --wasm may be set")
	}
	if opts.flowPath != "" && set > 0 {
		return nil, errors.New("--flow cannot be combined with --cel, --mapping or --wasm")
	}
	if _, err := linestream.LookupEncoding(opts.transform.StringEncoding); err != nil {
		return nil, fmt.Errorf("--encoding: %w", err)
	}
	return opts, nil
}

func loadMapping(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping: %w", err)
	}
	var m map[string]interface{}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse mapping: %w", err)
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("mapping %s is empty", path)
	}
	return m, nil
}
