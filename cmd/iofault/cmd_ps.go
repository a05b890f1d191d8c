package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/iofault/pkg/control"
	"github.com/jingkaihe/iofault/pkg/session"
)

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List sessions",
	Args:  cobra.NoArgs,
	RunE:  runPs,
}

func init() {
	rootCmd.AddCommand(psCmd)
}

func runPs(cmd *cobra.Command, args []string) error {
	store, err := session.OpenStore(viper.GetString("runtime-dir"))
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tPID\tPATH\tPHASE\tINJECTING\tOPS\tFAULTS")
	for _, rec := range records {
		phase := string(rec.Phase)
		injecting, ops, faults := "-", "-", "-"
		if rec.Phase == session.PhaseActive {
			if st := liveStatus(rec.SocketPath); st != nil {
				phase = st.Phase
				injecting = fmt.Sprintf("%t", st.Injecting)
				ops = fmt.Sprintf("%d", st.Ops)
				faults = fmt.Sprintf("%d", st.Delayed+st.Failed+st.Corrupted+st.Throttled)
			} else {
				phase = phase + " (unreachable)"
			}
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.Pid, rec.Path, phase, injecting, ops, faults)
	}
	return w.Flush()
}

func liveStatus(socketPath string) *control.Status {
	client, err := control.Dial(socketPath)
	if err != nil {
		return nil
	}
	defer client.Close()
	st, err := client.Status()
	if err != nil {
		return nil
	}
	return st
}
