package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/iofault/pkg/control"
	"github.com/jingkaihe/iofault/pkg/session"
)

var ErrSessionNotFound = errors.New("session not found")

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show a session's live status and counters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialSession(args[0])
		if err != nil {
			return err
		}
		defer client.Close()

		st, err := client.Status()
		if err != nil {
			return err
		}
		fmt.Printf("session:   %s\n", st.SessionID)
		fmt.Printf("phase:     %s\n", st.Phase)
		fmt.Printf("pid:       %d\n", st.Pid)
		fmt.Printf("path:      %s\n", st.Path)
		fmt.Printf("injecting: %t\n", st.Injecting)
		fmt.Printf("ops:       %d\n", st.Ops)
		fmt.Printf("delayed:   %d  failed: %d  corrupted: %d  throttled: %d\n",
			st.Delayed, st.Failed, st.Corrupted, st.Throttled)
		return nil
	},
}

var enableCmd = &cobra.Command{
	Use:   "enable <session-id>",
	Short: "Turn fault injection on for a session",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return toggle(args[0], true) },
}

var disableCmd = &cobra.Command{
	Use:   "disable <session-id>",
	Short: "Turn fault injection off; intercepted I/O passes through",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return toggle(args[0], false) },
}

func init() {
	rootCmd.AddCommand(statusCmd, enableCmd, disableCmd)
}

func toggle(sessionID string, on bool) error {
	client, err := dialSession(sessionID)
	if err != nil {
		return err
	}
	defer client.Close()
	if on {
		return client.Enable()
	}
	return client.Disable()
}

func dialSession(sessionID string) (*control.Client, error) {
	store, err := session.OpenStore(viper.GetString("runtime-dir"))
	if err != nil {
		return nil, err
	}
	defer store.Close()

	rec, err := store.Get(sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return control.Dial(rec.SocketPath)
}
