package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/chriscow/livekit-silence-go/pkg/plugin"
	_ "github.com/chriscow/livekit-silence-go/pkg/plugin/fake"   // Import to register fake plugins
	_ "github.com/chriscow/livekit-silence-go/pkg/plugin/openai" // Import to register OpenAI plugins
	"github.com/chriscow/livekit-silence-go/pkg/version"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "lk-silence",
	Short: "Culturally aware turn-taking for LiveKit voice agents",
	Long: `lk-silence decides when a voice agent should stay quiet, backchannel,
answer, or treat the user as gone, using per-language timing profiles.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.GetVersionInfo())
	},
}

var pluginCmd = &cobra.Command{
	Use:   "plugin",
	Short: "Plugin management commands",
}

var pluginListCmd = &cobra.Command{
	Use:   "list [kind]",
	Short: "List registered plugins",
	Long: `List all registered plugins or plugins of a specific kind.
Available kinds: stt, tts, llm`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger(cmd)

		kind := ""
		if len(args) > 0 {
			kind = args[0]
		}
		plugins := plugin.List(kind)
		printPlugins(cmd.OutOrStdout(), kind, plugins)

		logger.Debug("Listed plugins",
			slog.Int("count", len(plugins)),
			slog.String("filter_kind", kind))
		return nil
	},
}

func printPlugins(w io.Writer, kind string, plugins []*plugin.Plugin) {
	if len(plugins) == 0 {
		if kind == "" {
			fmt.Fprintln(w, "No plugins registered")
		} else {
			fmt.Fprintf(w, "No plugins registered for kind: %s\n", kind)
		}
		return
	}

	fmt.Fprintf(w, "%-6s %-10s %-10s %s\n", "KIND", "NAME", "VERSION", "DESCRIPTION")
	for _, p := range plugins {
		v := p.Version
		if v == "" {
			v = "N/A"
		}
		fmt.Fprintf(w, "%-6s %-10s %-10s %s\n", p.Kind, p.Name, v, p.Description)
	}
}

// setupLogger builds the process logger from --log-level and --log-format,
// falling back to LK_LOG_LEVEL and LK_LOG_FORMAT. Logs go to stderr so
// command output on stdout stays machine readable.
func setupLogger(cmd *cobra.Command) *slog.Logger {
	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	if level == "" {
		level = os.Getenv("LK_LOG_LEVEL")
	}
	if format == "" {
		format = os.Getenv("LK_LOG_FORMAT")
	}

	logger := slog.New(newLogHandler(os.Stderr, level, format))
	slog.SetDefault(logger)
	return logger
}

func newLogHandler(w io.Writer, level, format string) slog.Handler {
	opts := &slog.HandlerOptions{}
	switch strings.ToLower(level) {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if format == "console" || format == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (env LK_LOG_LEVEL)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: json or console (env LK_LOG_FORMAT)")

	pluginCmd.AddCommand(pluginListCmd)
	rootCmd.AddCommand(versionCmd, pluginCmd, profileCmd, simulateCmd, workerCmd, roomCmd, agentCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
