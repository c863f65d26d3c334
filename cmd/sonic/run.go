package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/teslashibe/go-sonic/internal/config"
	"github.com/teslashibe/go-sonic/internal/log"
	"github.com/teslashibe/go-sonic/pkg/audioio"
	"github.com/teslashibe/go-sonic/pkg/monitor"
	"github.com/teslashibe/go-sonic/pkg/projectctx"
	"github.com/teslashibe/go-sonic/pkg/session"
	"github.com/teslashibe/go-sonic/pkg/tools"
	"github.com/teslashibe/go-sonic/pkg/transport"
)

const stopTimeout = 5 * time.Second

func run(ctx context.Context, cfg config.Config, in io.Reader, out io.Writer) error {
	logger := log.Init(log.Options{Level: cfg.LogLevel, Debug: cfg.Debug})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	prompt, err := systemPrompt(ctx, cfg, out, logger)
	if err != nil {
		return err
	}

	dispatcher, err := newDispatcher(cfg, logger)
	if err != nil {
		return err
	}

	opener, err := newOpener(ctx, cfg, logger)
	if err != nil {
		return err
	}
	tr := transport.New(opener, transport.Options{Logger: logger})

	agent := session.New(tr, dispatcher,
		session.WithSystemPrompt(prompt),
		session.WithInference(cfg.Inference.MaxTokens, cfg.Inference.TopP, cfg.Inference.Temperature),
		session.WithAudioInput(cfg.Audio.InputSampleRate, cfg.Audio.SampleSizeBits, cfg.Audio.Channels),
		session.WithAudioOutput(cfg.Audio.OutputSampleRate, cfg.Audio.SampleSizeBits, cfg.Audio.Channels),
		session.WithVoice(cfg.Audio.Voice),
		session.WithToolTimeout(cfg.Tools.Timeout),
		session.WithPrinter(session.NewConsolePrinter(out)),
		session.WithDebug(cfg.Debug),
		session.WithLogger(logger),
	)

	logger.Info("starting session",
		"model", cfg.Model.ID,
		"transport", cfg.Model.Transport,
		"tools", len(dispatcher.SupportedTools()),
	)
	if err := agent.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize session: %w", err)
	}

	bridge, err := newBridge(cfg, agent, logger)
	if err != nil {
		stopAgent(agent, logger)
		return err
	}
	if err := bridge.Start(ctx); err != nil {
		_ = bridge.Stop(context.Background())
		return fmt.Errorf("failed to start audio: %w", err)
	}

	monCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	if cfg.Monitor.Enabled {
		srv := monitor.New(monitor.Options{
			Addr:   cfg.Monitor.Addr,
			Status: func() any { return agent.Status() },
			Tools:  dispatcher,
			Logger: logger,
		})
		go func() {
			if err := srv.Run(monCtx, tr.Events()); err != nil {
				logger.Warn("monitor stopped", "error", err)
			}
		}()
		fmt.Fprintf(out, "Monitor: http://%s/api/status\n", cfg.Monitor.Addr)
	}

	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprintln(out, "Listening... speak, type a message, or press Enter to quit.")
	}
	converse(ctx, agent, readLines(in), logger)

	sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := bridge.Stop(sctx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	logger.Debug("session finished", "status", agent.Status())
	return nil
}

// converse forwards typed lines as text turns until an empty line, a
// signal, or the session closing.
func converse(ctx context.Context, agent *session.Agent, lines <-chan string, logger *slog.Logger) {
	poll := time.NewTicker(time.Second)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			if agent.State() == session.StateClosed || agent.Status().Closed {
				logger.Warn("connection to model lost")
				return
			}
		case line, ok := <-lines:
			if !ok {
				// Input is not interactive; run until signalled.
				lines = nil
				continue
			}
			line = strings.TrimSpace(line)
			if line == "" {
				return
			}
			if err := agent.SendText(ctx, line); err != nil {
				logger.Warn("failed to send text", "error", err)
			}
		}
	}
}

func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

func systemPrompt(ctx context.Context, cfg config.Config, out io.Writer, logger *slog.Logger) (string, error) {
	prompt := session.DefaultSystemPrompt
	if cfg.Context.CustomPrompt != "" {
		prompt = cfg.Context.CustomPrompt
	}
	if !cfg.Context.Enabled() {
		return prompt, nil
	}

	b, err := projectctx.New(cfg.Context.WorkingDir, projectctx.WithLogger(logger))
	if err != nil {
		return "", err
	}
	pc := b.Build(ctx, projectctx.Options{
		IncludeDirectory: cfg.Context.IncludeDirectory,
		IncludeFiles:     cfg.Context.IncludeFiles,
		IncludeGit:       cfg.Context.IncludeGit,
		FilePatterns:     cfg.Context.FilePatterns,
		MaxDepth:         cfg.Context.MaxDepth,
		MaxFiles:         cfg.Context.MaxFiles,
	})
	if cfg.Context.ShowContext {
		fmt.Fprintln(out, projectctx.Summary(pc))
	}
	logger.Info("project context gathered", "root", b.Root(), "chars", len(pc))
	return projectctx.EnhancePrompt(prompt, pc), nil
}

func newDispatcher(cfg config.Config, logger *slog.Logger) (tools.Dispatcher, error) {
	switch cfg.Tools.Handler {
	case "registry":
		return tools.NewRegistry(logger, tools.DefaultTools(cfg.Tools.Timezone)...), nil
	default:
		b, err := tools.NewBuiltin(tools.BuiltinConfig{
			Timezone:      cfg.Tools.Timezone,
			OrderStatuses: cfg.Tools.OrderStatuses,
			StatusWeights: cfg.Tools.StatusWeights,
		}, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

func newOpener(ctx context.Context, cfg config.Config, logger *slog.Logger) (transport.Opener, error) {
	if cfg.Model.Transport == config.TransportRelay {
		return &transport.WebSocketOpener{URL: cfg.Model.RelayURL, Logger: logger}, nil
	}
	o, err := transport.NewBedrockOpener(ctx, cfg.Model.Region, cfg.Model.ID, logger)
	if err != nil {
		return nil, err
	}
	return o, nil
}

func newBridge(cfg config.Config, agent *session.Agent, logger *slog.Logger) (*audioio.Bridge, error) {
	acfg := audioio.DefaultConfig()
	acfg.Backend = audioio.Backend(cfg.Audio.Backend)
	acfg.InputSampleRate = cfg.Audio.InputSampleRate
	acfg.OutputSampleRate = cfg.Audio.OutputSampleRate
	acfg.Channels = cfg.Audio.Channels
	acfg.FramesPerBuffer = cfg.Audio.FramesPerBuffer

	source, err := audioio.NewSource(acfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open microphone: %w", err)
	}
	sink, err := audioio.NewSink(acfg, logger)
	if err != nil {
		source.Close()
		return nil, fmt.Errorf("failed to open speaker: %w", err)
	}
	return audioio.NewBridge(acfg, agent, source, sink, logger)
}

func stopAgent(agent *session.Agent, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := agent.Stop(ctx); err != nil {
		logger.Warn("failed to stop session", "error", err)
	}
}
