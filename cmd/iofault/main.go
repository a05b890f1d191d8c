package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/jingkaihe/iofault/pkg/api"
)

var rootCmd = &cobra.Command{
	Use:   "iofault",
	Short: "Inject I/O faults into a running process",
	Long: `iofault reroutes a running process's file I/O on a chosen path through
an interception filesystem and applies operator-defined fault rules:
delays, errors, corruption, and throttling. On teardown the process's
descriptors and mount view are restored exactly.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(viper.GetBool("verbose"))
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("runtime-dir", api.DefaultRuntimeDir, "Directory for session state")
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("runtime-dir", rootCmd.PersistentFlags().Lookup("runtime-dir"))
	viper.SetEnvPrefix("IOFAULT")
	viper.AutomaticEnv()
}

// setupLogging mirrors log destination to the environment: human-readable
// text on a terminal, JSON when piped into a collector.
func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ec *exitCodeError
		if errors.As(err, &ec) {
			os.Exit(ec.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}
