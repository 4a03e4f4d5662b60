// Package main provides the unillm CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	cfgPath      string
	providerName string
	modelName    string
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "unillm",
		Short: "Chat with Ollama, Anthropic, OpenAI and OpenRouter through one streaming interface",
		Long: `unillm talks to several LLM backends through a single event stream.

Models without native tool calling get tools through a text protocol:
the catalogue is described in the system prompt and calls are parsed
out of <tool_call> markers in the reply.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context())
		},
	}

	root.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath(), "Config file path")
	root.PersistentFlags().StringVarP(&providerName, "provider", "p", "", "Provider name from the config (default: llm.default_provider)")
	root.PersistentFlags().StringVarP(&modelName, "model", "m", "", "Override the provider's model")

	root.AddCommand(chatCmd(), modelsCmd(), pullCmd(), generateCmd(), probeCmd())
	return root
}

func defaultConfigPath() string {
	if p := os.Getenv("UNILLM_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context())
		},
	}
}

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List models available on the Ollama server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runModels(cmd.Context())
		},
	}
}

func pullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull [model]",
		Short: "Download a model to the Ollama server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPull(cmd.Context(), args[0])
		},
	}
}

func generateCmd() *cobra.Command {
	var noStream bool
	cmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Run a single raw completion on the Ollama server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd.Context(), args[0], !noStream)
		},
	}
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "Wait for the full response")
	return cmd
}

func probeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Report whether the selected model supports native tool calling",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProbe(cmd.Context())
		},
	}
}
