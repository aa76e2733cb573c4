package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/lsm/lineflow/internal/config"
	"github.com/lsm/lineflow/internal/linestream"
	"github.com/lsm/lineflow/internal/transform"
)

// RunTransform dispatches transform subcommands.
func RunTransform(args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		fmt.Println(`Usage: lineflow transform <command> [arguments]

Commands:
  test    Test a flow's transform against sample lines (dry-run)

Run 'lineflow transform <command> -h' for help on a specific command.`)
		return nil
	}

	switch args[0] {
	case "test":
		return RunTransformTest(args[1:], nil)
	default:
		return fmt.Errorf("unknown transform subcommand %q\nRun 'lineflow transform -h' for usage", args[0])
	}
}

// RunTransformTest runs the transform of a flow definition over sample
// input and prints every output line. Nothing is read from or written to
// the flow's source and sink.
func RunTransformTest(args []string, w io.Writer) error {
	if len(args) > 0 && (args[0] == "-h" || args[0] == "--help") {
		fmt.Println(`Usage: lineflow transform test --flow <path> --input <text|file>

Test a transform configuration without starting the daemon.

Options:
  --flow <path>    Path to flow YAML file (required)
  --input <data>   Input lines as a string or path to a file (required)

Examples:
  # Test a single inline line
  lineflow transform test --flow flows/orders.yaml --input '{"order_id":"TEST-001"}'

  # Test every line of a sample file
  lineflow transform test --flow flows/access-log.yaml --input sample.log`)
		return nil
	}
	if w == nil {
		w = os.Stdout
	}

	var flowPath, inputData string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--flow" && i+1 < len(args):
			flowPath = args[i+1]
			i++
		case args[i] == "--input" && i+1 < len(args):
			inputData = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--flow="):
			flowPath = strings.TrimPrefix(args[i], "--flow=")
		case strings.HasPrefix(args[i], "--input="):
			inputData = strings.TrimPrefix(args[i], "--input=")
		}
	}

	if flowPath == "" {
		return fmt.Errorf("--flow is required")
	}
	if inputData == "" {
		return fmt.Errorf("--input is required")
	}

	flow, err := loadFlow(flowPath)
	if err != nil {
		return fmt.Errorf("load flow: %w", err)
	}
	if transform.KindOf(flow.Transform) == transform.KindIdentity {
		return fmt.Errorf("flow %q does not have a transform configuration", flow.Name)
	}

	input, err := loadInput(inputData)
	if err != nil {
		return fmt.Errorf("load input: %w", err)
	}

	ctx := context.Background()
	cb, closer, err := transform.New(ctx, flow.Transform)
	if err != nil {
		return fmt.Errorf("create transformer: %w", err)
	}
	defer func() { _ = closer.Close() }()

	out := &linestream.Collector{}
	t, err := linestream.New(cb, out, flow.Transform.LinestreamOptions()...)
	if err != nil {
		return fmt.Errorf("create transformer: %w", err)
	}

	// One chunk, so a failing line leaves no partial output.
	if err := t.Write(ctx, input); err != nil {
		return transformError(err)
	}
	if err := t.End(ctx); err != nil {
		return transformError(err)
	}

	_, err = io.WriteString(w, out.String())
	return err
}

func transformError(err error) error {
	var cbErr *linestream.CallbackError
	if errors.As(err, &cbErr) {
		return fmt.Errorf("transform error at line %d %q: %w", cbErr.Line, cbErr.Text, cbErr.Err)
	}
	return fmt.Errorf("transform error: %w", err)
}

func loadFlow(path string) (*config.FlowDefinition, error) {
	return config.LoadFile(path)
}

func loadInput(input string) ([]byte, error) {
	if _, err := os.Stat(input); err == nil {
		data, err := os.ReadFile(filepath.Clean(input))
		if err != nil {
			return nil, fmt.Errorf("read file: %w", err)
		}
		return data, nil
	}
	return []byte(input), nil
}
