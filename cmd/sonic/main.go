// Command sonic runs a live voice conversation with a bidirectional speech
// model, with optional tools, project context and an event monitor.
package main

import (
	"fmt"
	"os"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-sonic/internal/config"
)

var version = "0.1.0"

// flags holds command line values; only flags the user set are applied.
type flags struct {
	configPath   string
	debug        bool
	logLevel     string
	modelID      string
	region       string
	transport    string
	relayURL     string
	voice        string
	audioBackend string
	toolHandler  string
	workingDir   string
	includeDir   bool
	includeFiles bool
	includeGit   bool
	filePatterns string
	maxDepth     int
	maxFiles     int
	customPrompt string
	showContext  bool
	monitor      bool
	monitorAddr  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	cmd := &cobra.Command{
		Use:   "sonic",
		Short: "Talk to a bidirectional speech model from the terminal",
		Long: `sonic streams microphone audio to a speech-to-speech model and plays
its replies, executing tool calls locally.

Press Enter to end the conversation. Typed lines are sent as text turns.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, os.Stdin, cmd.OutOrStdout())
		},
	}

	bindFlags(cmd, f)
	cmd.AddCommand(newToolsCmd(f))
	return cmd
}

func bindFlags(cmd *cobra.Command, f *flags) {
	pf := cmd.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "YAML config file")
	pf.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	pf.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&f.toolHandler, "tools", "", "Tool handler: builtin or registry")
	pf.StringVar(&f.region, "region", "", "AWS region")
	pf.StringVar(&f.modelID, "model-id", "", "Speech model id")

	fl := cmd.Flags()
	fl.StringVar(&f.transport, "transport", "", "Transport: bedrock or websocket")
	fl.StringVar(&f.relayURL, "relay-url", "", "WebSocket relay URL (implies --transport websocket)")
	fl.StringVar(&f.voice, "voice", "", "Output voice id")
	fl.StringVar(&f.audioBackend, "audio-backend", "", "Audio backend: auto, native or mock")
	fl.StringVar(&f.workingDir, "working-dir", "", "Directory to gather project context from")
	fl.BoolVar(&f.includeDir, "include-directory", false, "Include the directory tree in the system prompt")
	fl.BoolVar(&f.includeFiles, "include-files", false, "Include key files in the system prompt")
	fl.BoolVar(&f.includeGit, "include-git", false, "Include git status in the system prompt")
	fl.StringVar(&f.filePatterns, "file-patterns", "", "Comma-separated key file patterns (doublestar globs)")
	fl.IntVar(&f.maxDepth, "max-depth", 0, "Directory tree depth")
	fl.IntVar(&f.maxFiles, "max-files", 0, "Directory tree entry limit")
	fl.StringVar(&f.customPrompt, "custom-prompt", "", "Replace the default system prompt")
	fl.BoolVar(&f.showContext, "show-context", false, "Print the gathered project context before starting")
	fl.BoolVar(&f.monitor, "monitor", false, "Serve the event monitor")
	fl.StringVar(&f.monitorAddr, "monitor-addr", "", "Monitor listen address")
}

// loadConfig layers flags the user set over the file and environment.
func loadConfig(cmd *cobra.Command, f *flags) (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	} else {
		cfg.ApplyEnv()
	}

	set := func(name string) bool { return cmd.Flags().Changed(name) }

	if set("debug") {
		cfg.Debug = f.debug
	}
	if set("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if set("model-id") {
		cfg.Model.ID = f.modelID
	}
	if set("region") {
		cfg.Model.Region = f.region
	}
	if set("transport") {
		cfg.Model.Transport = f.transport
	}
	if set("relay-url") {
		cfg.Model.RelayURL = f.relayURL
		if !set("transport") {
			cfg.Model.Transport = config.TransportRelay
		}
	}
	if set("voice") {
		cfg.Audio.Voice = f.voice
	}
	if set("audio-backend") {
		cfg.Audio.Backend = f.audioBackend
	}
	if set("tools") {
		cfg.Tools.Handler = f.toolHandler
	}
	if set("working-dir") {
		cfg.Context.WorkingDir = f.workingDir
	}
	if set("include-directory") {
		cfg.Context.IncludeDirectory = f.includeDir
	}
	if set("include-files") {
		cfg.Context.IncludeFiles = f.includeFiles
	}
	if set("include-git") {
		cfg.Context.IncludeGit = f.includeGit
	}
	if set("file-patterns") {
		cfg.Context.FilePatterns = config.ParseFilePatterns(f.filePatterns)
	}
	if set("max-depth") {
		cfg.Context.MaxDepth = f.maxDepth
	}
	if set("max-files") {
		cfg.Context.MaxFiles = f.maxFiles
	}
	if set("custom-prompt") {
		cfg.Context.CustomPrompt = f.customPrompt
	}
	if set("show-context") {
		cfg.Context.ShowContext = f.showContext
	}
	if set("monitor") {
		cfg.Monitor.Enabled = f.monitor
	}
	if set("monitor-addr") {
		cfg.Monitor.Addr = f.monitorAddr
		cfg.Monitor.Enabled = true
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
