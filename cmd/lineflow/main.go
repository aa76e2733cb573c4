package main

import (
	"fmt"
	"os"

	"github.com/lsm/lineflow/internal/cli"
)

const usage = `lineflow - streaming line transformer

Usage:
  lineflow <command> [arguments]

Commands:
  run [file]            Transform a file or stdin line by line to stdout
  validate [path]       Validate flow definition files
  transform test        Dry-run a flow's transform against sample lines

Run 'lineflow <command> -h' for help on a specific command.
Flows are served by the lineflowd daemon.`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		return nil
	}

	switch os.Args[1] {
	case "run":
		return cli.RunLines(os.Args[2:], os.Stdin, os.Stdout)
	case "validate":
		return cli.RunValidate(os.Args[2:])
	case "transform":
		return cli.RunTransform(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Println(usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\nRun 'lineflow help' for usage", os.Args[1])
	}
}
