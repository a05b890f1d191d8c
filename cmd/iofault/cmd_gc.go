package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/iofault/pkg/session"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Clean up leftovers of dead sessions",
	Long:  "Detach orphaned interception mounts and remove stale session records left by sessions whose owning process died without tearing down.",
	Args:  cobra.NoArgs,
	RunE:  runGC,
}

func init() {
	rootCmd.AddCommand(gcCmd)
}

func runGC(cmd *cobra.Command, args []string) error {
	collector := session.NewCollector(viper.GetString("runtime-dir"), nil)
	report, err := collector.Run()
	if err != nil {
		return err
	}

	if len(report.DetachedMounts) > 0 {
		sort.Strings(report.DetachedMounts)
		fmt.Printf("detached %s\n", strings.Join(report.DetachedMounts, ", "))
	}
	if len(report.RemovedRecords) > 0 {
		sort.Strings(report.RemovedRecords)
		fmt.Printf("removed %s\n", strings.Join(report.RemovedRecords, ", "))
	}
	if len(report.DetachedMounts) == 0 && len(report.RemovedRecords) == 0 {
		fmt.Println("nothing to clean")
	}

	if len(report.Failed) > 0 {
		keys := make([]string, 0, len(report.Failed))
		for k := range report.Failed {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(os.Stderr, "failed %s: %s\n", k, report.Failed[k])
		}
		return &exitCodeError{code: exitTeardown}
	}
	return nil
}
