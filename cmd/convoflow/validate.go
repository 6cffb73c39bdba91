package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	cli "github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/dukex/convoflow/pkg/actions"
	"github.com/dukex/convoflow/pkg/cmd"
	"github.com/dukex/convoflow/pkg/log"
	"github.com/dukex/convoflow/pkg/messaging"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/services"
)

var ErrInvalidFlowFile = errors.New("flow is not publishable")

// ValidateCommand checks JSON or YAML flow files offline with the same rules as publishing.
func ValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Check that flow files can be published",
		ArgsUsage: "<flow.json|flow.yaml>...",
		Action: func(_ context.Context, command *cli.Command) error {
			if command.NArg() == 0 {
				return errors.New("at least one flow file is required")
			}

			return validateFiles(os.Stdout, command.Args().Slice())
		},
	}
}

func validateFiles(out io.Writer, paths []string) error {
	logger := log.Discard()
	dispatcher := cmd.NewDispatcher(logger, nil, messaging.NewLogSender(logger))

	failed := 0

	for _, path := range paths {
		issues, err := validateFile(path, dispatcher)
		if err != nil {
			return err
		}

		if len(issues) == 0 {
			fmt.Fprintf(out, "%s: ok\n", path)

			continue
		}

		failed++

		for _, issue := range issues {
			fmt.Fprintf(out, "%s: %s\n", path, issue)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%w: %d of %d files", ErrInvalidFlowFile, failed, len(paths))
	}

	return nil
}

func validateFile(path string, dispatcher *actions.Dispatcher) ([]string, error) {
	body, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if ext := filepath.Ext(path); ext == ".yaml" || ext == ".yml" {
		body, err = yamlToJSON(body)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	var flow models.Flow

	err = json.Unmarshal(body, &flow)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return services.ValidateForPublish(&flow, dispatcher), nil
}

// yamlToJSON lets YAML flow files reuse the JSON field names of models.Flow.
func yamlToJSON(body []byte) ([]byte, error) {
	var doc map[string]any

	err := yaml.Unmarshal(body, &doc)
	if err != nil {
		return nil, err
	}

	return json.Marshal(doc)
}
