package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"mates-cli/internal/client"
	"mates-cli/internal/config"
	"mates-cli/internal/llm"
	"mates-cli/internal/run"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "mates",
		Short:         "mates - stream agent runs from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.String("format", "events", "Output format: events, text or json")
	flags.Bool("json", false, "Print the run record as JSON when the stream ends")
	flags.Bool("verbose", false, "Enable verbose logging and tool previews")
	flags.Bool("quiet", false, "Only print assistant text")
	flags.Bool("no-thinking", false, "Hide thinking and reasoning")
	flags.Bool("no-tools", false, "Hide tool calls and todo lists")
	flags.String("timeout", config.DefaultTimeout.String(), "Timeout for the whole run (e.g. 90s)")
	flags.String("backend", config.DefaultBackend, "Backend: api, openai or mock")
	flags.String("base-url", config.DefaultBaseURL, "Runs API base URL")
	flags.String("profile", "default", "Credential profile")
	flags.String("log-file", "", "Write plain-text output to a file")

	cmd.AddCommand(newRunCmd(), newReplyCmd(), newReplayCmd(), newAuthCmd())
	return cmd
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [message]",
		Short: "Start a new run and stream its events",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tools, _ := cmd.Flags().GetStringArray("tool")
			instructions, _ := cmd.Flags().GetString("instructions")
			return execute(cmd, newBackend, func(cfg config.Config) llm.Request {
				return llm.Request{
					Message:      strings.Join(args, " "),
					TeammateID:   cfg.TeammateID,
					Tools:        tools,
					Instructions: instructions,
				}
			})
		},
	}
	cmd.Flags().Int64("teammate", 0, "Teammate id to run as")
	cmd.Flags().StringArray("tool", nil, "Tool to enable (repeatable)")
	cmd.Flags().String("instructions", "", "Extra instructions for this run")
	cmd.Flags().String("model", config.DefaultOpenAIModel, "Model for the openai backend")
	return cmd
}

func newReplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reply [run-id] [message]",
		Short: "Send a follow-up message to a run",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd, newBackend, func(cfg config.Config) llm.Request {
				return llm.Request{RunID: args[0], Message: strings.Join(args[1:], " ")}
			})
		},
	}
}

func newReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay [file|-]",
		Short: "Decode a captured SSE stream without touching the network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source := args[0]
			open := func(cfg config.Config, logger *zap.Logger) (llm.Backend, error) {
				return llm.BackendFunc(func(ctx context.Context, req llm.Request) (io.ReadCloser, error) {
					if source == "-" {
						return io.NopCloser(cmd.InOrStdin()), nil
					}
					file, err := os.Open(source)
					if err != nil {
						return nil, err
					}
					return file, nil
				}), nil
			}
			return execute(cmd, open, func(cfg config.Config) llm.Request {
				return llm.Request{Message: "replay " + source}
			})
		},
	}
}

type backendFactory func(cfg config.Config, logger *zap.Logger) (llm.Backend, error)

func newBackend(cfg config.Config, logger *zap.Logger) (llm.Backend, error) {
	switch cfg.Backend {
	case config.BackendMock:
		return llm.NewMockBackend(), nil
	case config.BackendOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, errors.New("OPENAI_API_KEY is required for the openai backend")
		}
		return llm.NewOpenAIBackend(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel, logger), nil
	}
	key, source, err := cfg.ResolveAPIKey()
	if err != nil {
		return nil, err
	}
	logger.Debug("api key resolved", zap.String("source", string(source)), zap.String("profile", cfg.Profile))
	return client.New(client.Options{
		APIKey:   key,
		BaseURL:  cfg.BaseURL,
		Timeout:  cfg.Timeout,
		RetryMax: cfg.RetryMax,
		Logger:   logger,
	})
}

func execute(cmd *cobra.Command, factory backendFactory, request func(config.Config) llm.Request) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return err
	}
	if cmd.Name() == "replay" {
		cfg.Backend = "replay"
	}

	logger := buildLogger(cfg.Verbose)
	defer func() { _ = logger.Sync() }()

	backend, err := factory(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	writer := io.Writer(cmd.OutOrStdout())
	var logFile *os.File
	if cfg.LogFile != "" && !cfg.JSON {
		file, err := os.Create(cfg.LogFile)
		if err != nil {
			return err
		}
		logFile = file
		writer = io.MultiWriter(writer, logFile)
	}

	result, runErr := run.NewRunner(backend, writer, logger, cfg).Run(ctx, request(cfg))
	if logFile != nil {
		_ = logFile.Close()
	}
	if cfg.PersistRuns {
		persistRun(logger, result)
	}
	if cfg.JSON {
		payload, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(cmd.OutOrStdout(), string(payload))
	}
	return runErr
}

func buildLogger(verbose bool) *zap.Logger {
	if verbose {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}

func persistRun(logger *zap.Logger, result run.Result) {
	home, err := os.UserHomeDir()
	if err != nil {
		logger.Warn("failed to get home dir", zap.Error(err))
		return
	}
	path := filepath.Join(home, ".local", "share", "mates-cli", "runs")
	if err := os.MkdirAll(path, 0o755); err != nil {
		logger.Warn("failed to create run directory", zap.Error(err))
		return
	}
	file := filepath.Join(path, result.RunID+".json")
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		logger.Warn("failed to marshal run record", zap.Error(err))
		return
	}
	if err := os.WriteFile(file, payload, 0o600); err != nil {
		logger.Warn("failed to write run record", zap.Error(err))
	}
}
