package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"unillm/internal/adapter/llm"
	"unillm/internal/adapter/tool"
	"unillm/internal/domain"
	"unillm/internal/infra/config"
	"unillm/internal/infra/logger"
	"unillm/internal/infra/tracer"
	"unillm/internal/usecase"
)

// app holds the wiring shared by all subcommands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	closers  []func()
	provider domain.StreamingLLMProvider
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// loadApp reads the config, applies the CLI overrides and sets up logging
// and tracing.
func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if providerName != "" {
		cfg.LLM.DefaultProvider = providerName
	}
	if modelName != "" {
		if err := overrideModel(cfg, modelName); err != nil {
			return nil, err
		}
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: log}
	a.closers = append(a.closers, func() { _ = closeLog() })

	shutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("tracer setup: %w", err)
	}
	a.closers = append(a.closers, func() {
		if err := shutdown(context.Background()); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
	})
	return a, nil
}

func overrideModel(cfg *config.Config, model string) error {
	for i := range cfg.LLM.Providers {
		if cfg.LLM.Providers[i].Name == cfg.LLM.DefaultProvider {
			cfg.LLM.Providers[i].Model = model
			return nil
		}
	}
	return domain.NewDomainError("overrideModel", domain.ErrProviderNotFound, cfg.LLM.DefaultProvider)
}

func (a *app) selectProvider() error {
	reg, err := llm.Build(a.cfg.LLM, a.logger)
	if err != nil {
		return err
	}
	p, err := llm.Select(reg, a.cfg.LLM, a.cfg.LLM.DefaultProvider, a.logger)
	if err != nil {
		return err
	}
	a.provider = p
	return nil
}

// ollama returns an undecorated Ollama client for the selected provider, or
// the first configured Ollama provider when the selected one is not Ollama.
func (a *app) ollama() (*llm.OllamaProvider, error) {
	pc, ok := a.cfg.Provider(a.cfg.LLM.DefaultProvider)
	if !ok || pc.Type != string(domain.BackendOllama) {
		ok = false
		for _, c := range a.cfg.LLM.Providers {
			if c.Type == string(domain.BackendOllama) {
				pc, ok = c, true
				break
			}
		}
	}
	if !ok {
		return nil, errors.New("no ollama provider configured")
	}
	return llm.NewOllamaProvider(pc, a.logger), nil
}

// healthChecker is the part of the Ollama client the preflight needs.
type healthChecker interface {
	IsHealthy(ctx context.Context) bool
	BaseURL() string
}

// preflight fails fast when the server is down, before a long pull or
// generation is attempted.
func preflight(ctx context.Context, p healthChecker) error {
	if !p.IsHealthy(ctx) {
		return fmt.Errorf("ollama at %s not reachable", p.BaseURL())
	}
	return nil
}

func (a *app) toolRegistry(ctx context.Context) (*tool.Registry, error) {
	var opts []tool.Option
	if a.cfg.Tools.ValidateArguments {
		opts = append(opts, tool.WithValidation())
	}
	reg := tool.NewRegistry(a.logger, opts...)
	if err := reg.RegisterAll(tool.Builtins(a.logger)...); err != nil {
		return nil, err
	}

	if len(a.cfg.Tools.MCPServers) == 0 {
		return reg, nil
	}
	bridge, err := tool.NewMCPBridge(ctx, a.cfg.Tools, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, bridge.Close)
	if err := bridge.RegisterInto(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

func runChat(ctx context.Context) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.selectProvider(); err != nil {
		return err
	}
	tools, err := a.toolRegistry(ctx)
	if err != nil {
		return err
	}

	session := usecase.NewSession(usecase.SessionDeps{
		LLM:         a.provider,
		Tools:       tools,
		Estimator:   llm.NewTokenCounter("", a.logger),
		Config:      a.cfg.Session,
		ToolTimeout: a.cfg.Tools.ExecTimeout,
		Logger:      a.logger,
	})

	fmt.Printf("unillm chat via %s (tool mode: %s). Type /exit to quit.\n",
		a.provider.Name(), session.Mode(ctx))
	return chatLoop(ctx, session, os.Stdin, os.Stdout)
}

func chatLoop(ctx context.Context, session *usecase.Session, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		}

		resp, err := session.Run(ctx, line, func(ev domain.StreamEvent) {
			if ev.Content != "" {
				fmt.Fprint(out, ev.Content)
			}
			for _, tc := range ev.ToolCalls {
				fmt.Fprintf(out, "\n[tool] %s %s\n", tc.Name, tc.Arguments)
			}
		})
		fmt.Fprintln(out)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		if !resp.Usage.IsZero() {
			fmt.Fprintf(out, "[tokens: %d prompt, %d completion]\n",
				resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		}
	}
}

func runModels(ctx context.Context) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.ollama()
	if err != nil {
		return err
	}
	if err := preflight(ctx, p); err != nil {
		return err
	}
	models, err := p.ListModels(ctx)
	if err != nil {
		return err
	}
	for _, m := range models {
		fmt.Printf("%-40s %10.1f MB  %s\n", m.Name, float64(m.Size)/(1<<20), m.ModifiedAt)
	}
	return nil
}

func runPull(ctx context.Context, model string) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.ollama()
	if err != nil {
		return err
	}
	if err := preflight(ctx, p); err != nil {
		return err
	}
	progress, err := p.PullStream(ctx, model)
	if err != nil {
		return err
	}
	for ev := range progress {
		if ev.Err != nil {
			return ev.Err
		}
		if ev.Total > 0 {
			fmt.Printf("\r%s %3d%%", ev.Status, ev.Completed*100/ev.Total)
			continue
		}
		fmt.Printf("\n%s", ev.Status)
	}
	fmt.Println()
	return ctx.Err()
}

func runGenerate(ctx context.Context, prompt string, stream bool) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.ollama()
	if err != nil {
		return err
	}
	if err := preflight(ctx, p); err != nil {
		return err
	}
	if !stream {
		text, err := p.Generate(ctx, prompt)
		if err != nil {
			return err
		}
		fmt.Println(text)
		return nil
	}

	events, err := p.GenerateStream(ctx, prompt)
	if err != nil {
		return err
	}
	for ev := range events {
		if ev.Err != nil {
			return ev.Err
		}
		fmt.Print(ev.Content)
	}
	fmt.Println()
	return nil
}

func runProbe(ctx context.Context) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.selectProvider(); err != nil {
		return err
	}
	probeCtx, cancel := withOptionalTimeout(ctx, a.cfg.Session.ProbeTimeout)
	defer cancel()

	supported, err := llm.SupportsTools(probeCtx, a.provider)
	if err != nil {
		fmt.Printf("%s: probe failed (%v); fallback tool mode\n", a.provider.Name(), err)
		return nil
	}
	mode := "fallback"
	if supported {
		mode = "native"
	}
	fmt.Printf("%s: native tools supported=%t; %s tool mode\n", a.provider.Name(), supported, mode)
	return nil
}

// withOptionalTimeout bounds ctx by d; a non-positive d leaves it unbounded.
func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
