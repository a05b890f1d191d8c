package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/iofault/pkg/api"
	"github.com/jingkaihe/iofault/pkg/rules"
	"github.com/jingkaihe/iofault/pkg/session"
)

var injectCmd = &cobra.Command{
	Use:   "inject --pid <pid> --path <path> --rules <file>",
	Short: "Inject faults into a running process's I/O on a path",
	Long: `Inject faults into a running process's I/O on a path.

The target's open descriptors under the path are rerouted through an
interception mount while the session runs; Ctrl-C (or the target exiting)
tears everything down and restores the original state.

With --mount-only the interception mount is bound over the path but
already-open descriptors are left alone: only opens made after setup see
the injected faults.`,
	Example: `  iofault inject --pid 4242 --path /var/lib/app/data --rules faults.yaml
  iofault inject --pid 4242 --path /var/log/app.log --rules - <<'EOF'
  rules:
    - name: slow-reads
      ops: [read]
      fault: delay
      delay: 150ms
  EOF`,
	Args: cobra.NoArgs,
	RunE: runInject,
}

func init() {
	injectCmd.Flags().Int("pid", 0, "Target process id (required)")
	injectCmd.Flags().String("path", "", "File or directory to intercept (required)")
	injectCmd.Flags().String("rules", "", "Rules file, YAML (required)")
	injectCmd.Flags().Duration("mount-timeout", api.DefaultMountTimeout, "How long to wait for the interception mount")
	injectCmd.Flags().Bool("mount-only", false, "Overmount the path without rerouting already-open descriptors")
	injectCmd.MarkFlagRequired("pid")
	injectCmd.MarkFlagRequired("path")
	injectCmd.MarkFlagRequired("rules")

	viper.BindPFlag("inject.pid", injectCmd.Flags().Lookup("pid"))
	viper.BindPFlag("inject.path", injectCmd.Flags().Lookup("path"))
	viper.BindPFlag("inject.rules", injectCmd.Flags().Lookup("rules"))
	viper.BindPFlag("inject.mount-timeout", injectCmd.Flags().Lookup("mount-timeout"))
	viper.BindPFlag("inject.mount-only", injectCmd.Flags().Lookup("mount-only"))

	rootCmd.AddCommand(injectCmd)
}

func runInject(cmd *cobra.Command, args []string) error {
	pid := viper.GetInt("inject.pid")
	path := viper.GetString("inject.path")
	rulesPath := viper.GetString("inject.rules")
	mountTimeout := viper.GetDuration("inject.mount-timeout")

	ruleList, err := rules.ParseFile(rulesPath)
	if err != nil {
		return err
	}

	cfg := api.SessionConfig{
		Path:         path,
		Pid:          pid,
		MountOnly:    viper.GetBool("inject.mount-only"),
		Rules:        ruleList,
		RuntimeDir:   viper.GetString("runtime-dir"),
		MountTimeout: mountTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(ctx, mountTimeout+5*time.Second)
	sess, err := session.Open(openCtx, cfg, nil)
	cancel()
	if err != nil {
		return err
	}

	waitErr := sess.Wait(ctx)
	if closeErr := sess.Close(); closeErr != nil {
		return closeErr
	}

	// Signal and target exit are both clean stops.
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) && !errors.Is(waitErr, session.ErrTargetExited) {
		return waitErr
	}
	return nil
}
