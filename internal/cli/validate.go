package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lsm/lineflow/internal/config"
	"github.com/lsm/lineflow/internal/secret"
	"github.com/lsm/lineflow/internal/transform"
)

// requiredKeys lists the config keys each source and sink type needs.
var requiredKeys = map[string]map[string][]string{
	"source": {
		"http":  {"listenAddr"},
		"grpc":  {"listenAddr"},
		"kafka": {"topic"},
	},
	"sink": {
		"http":  {"url"},
		"grpc":  {"address", "method"},
		"kafka": {"topic"},
	},
}

// RunValidate validates flow definition files.
func RunValidate(args []string) error {
	if len(args) > 0 && (args[0] == "-h" || args[0] == "--help") {
		fmt.Println("Usage: lineflow validate [path]\n\nValidates all flow YAML files in the given directory (default: ./flows).\nTransforms are compiled, so CEL and mapping errors are reported too.")
		return nil
	}

	dir := "./flows"
	if len(args) > 0 && args[0] != "" {
		dir = args[0]
	}

	allErrors, err := validateFlowDir(dir)
	if err != nil {
		return fmt.Errorf("scanning %s: %w", dir, err)
	}

	if len(allErrors) == 0 {
		fmt.Println("All flow definitions are valid.")
		return nil
	}

	fmt.Fprintf(os.Stderr, "Found %d validation error(s):\n\n", len(allErrors))
	for _, ve := range allErrors {
		fmt.Fprintf(os.Stderr, "  %s\n    field: %s\n    error: %s\n\n", ve.File, ve.Field, ve.Message)
	}

	return fmt.Errorf("%d validation error(s) found", len(allErrors))
}

type validationError struct {
	File    string
	Field   string
	Message string
}

func validateFlowDir(dir string) ([]validationError, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var errs []validationError
	names := make(map[string]string)
	fileCount := 0

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		fileCount++
		flow, fileErrs := validateFlowFile(path)
		errs = append(errs, fileErrs...)

		if flow == nil || flow.Name == "" {
			continue
		}
		if first, dup := names[flow.Name]; dup {
			errs = append(errs, validationError{
				File:    path,
				Field:   "name",
				Message: fmt.Sprintf("flow name %q is already used by %s", flow.Name, first),
			})
			continue
		}
		names[flow.Name] = path
	}

	if fileCount == 0 {
		fmt.Fprintf(os.Stderr, "warning: no YAML files found in %s\n", dir)
	} else {
		fmt.Printf("Validated %d flow file(s) in %s\n", fileCount, dir)
	}

	return errs, nil
}

// validateFlowFile returns the parsed flow, or nil if it could not be
// parsed, and every problem found in it.
func validateFlowFile(path string) (*config.FlowDefinition, []validationError) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, []validationError{{File: path, Field: "-", Message: fmt.Sprintf("read error: %v", err)}}
	}

	var flow config.FlowDefinition
	if err := yaml.Unmarshal(data, &flow); err != nil {
		errMsg := err.Error()
		if strings.Contains(errMsg, "mapping values") || strings.Contains(errMsg, "did not find expected key") {
			hint := "\n\nHint: If using CEL expressions with ':' or '?', quote the entire expression as a string.\n" +
				"Example: change `cel: line.size() > 80 ? \"long\" : line` to `cel: 'line.size() > 80 ? \"long\" : line'`"
			return nil, []validationError{{File: path, Field: "-", Message: fmt.Sprintf("YAML parse error: %v%s", err, hint)}}
		}
		return nil, []validationError{{File: path, Field: "-", Message: fmt.Sprintf("YAML parse error: %v", err)}}
	}

	var errs []validationError
	add := func(field, msg string) {
		errs = append(errs, validationError{File: path, Field: field, Message: msg})
	}

	if err := flow.Validate(); err != nil {
		for _, msg := range splitErrors(err) {
			add(inferField(msg), msg)
		}
	}

	checkEndpoint("source", flow.Source.Type, flow.Source.Config, &flow, add)
	checkEndpoint("sink", flow.Sink.Type, flow.Sink.Config, &flow, add)

	switch t := flow.Transform; transform.KindOf(t) {
	case transform.KindCEL, transform.KindMapping:
		_, closer, err := transform.New(context.Background(), t)
		if err != nil {
			add("transform", err.Error())
		} else {
			_ = closer.Close()
		}
	case transform.KindWASM:
		if t.WASM.Module != "" {
			if _, err := os.Stat(t.WASM.Module); err != nil {
				add("transform.wasm.module", fmt.Sprintf("module not readable: %v", err))
			}
		}
	}

	return &flow, errs
}

// checkEndpoint reports missing type-specific keys and Kafka cluster
// references that the flow does not define.
func checkEndpoint(kind, typ string, cfg map[string]interface{}, flow *config.FlowDefinition, add func(field, msg string)) {
	for _, key := range requiredKeys[kind][typ] {
		if s, _ := cfg[key].(string); s == "" {
			add(kind+".config."+key, fmt.Sprintf("%s.config.%s is required for %s %s", kind, key, typ, kind))
		}
	}
	if auth, ok := cfg["auth"].(map[string]interface{}); ok && kind == "sink" {
		str := func(k string) string { v, _ := auth[k].(string); return v }
		err := secret.Config{Type: str("type"), File: str("file"), Env: str("env"), Header: str("header")}.Validate()
		for _, msg := range splitErrors(err) {
			add("sink.config.auth", msg)
		}
	}
	if typ != "kafka" {
		return
	}

	cluster, _ := cfg["cluster"].(string)
	_, hasBrokers := cfg["brokers"]
	switch {
	case cluster != "":
		if _, ok := flow.Kafka.Clusters[cluster]; !ok {
			add(kind+".config.cluster", fmt.Sprintf("%s.config.cluster %q is not defined in kafka.clusters", kind, cluster))
		}
	case !hasBrokers:
		add(kind+".config", fmt.Sprintf("%s.config needs either cluster or brokers", kind))
	}
}

// splitErrors breaks an errors.Join result into individual error strings.
func splitErrors(err error) []string {
	if err == nil {
		return nil
	}
	parts := strings.Split(err.Error(), "\n")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// inferField extracts a field name from an error message.
func inferField(msg string) string {
	if strings.HasPrefix(msg, "kafka: ") {
		return "kafka.clusters"
	}
	if idx := strings.Index(msg, ": "); idx > 0 {
		prefix := msg[:idx]
		if strings.Contains(prefix, "[") {
			remainder := msg[idx+2:]
			parts := strings.Fields(remainder)
			if len(parts) > 0 {
				return parts[0]
			}
		}
	}
	parts := strings.Fields(msg)
	if len(parts) > 0 {
		return strings.TrimSuffix(parts[0], ":")
	}
	return "-"
}
