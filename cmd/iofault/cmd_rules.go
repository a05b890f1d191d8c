package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jingkaihe/iofault/pkg/rules"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Work with rules files",
}

var rulesLintCmd = &cobra.Command{
	Use:   "lint <file>",
	Short: "Parse and compile a rules file without starting a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesLint,
}

func init() {
	rulesCmd.AddCommand(rulesLintCmd)
	rootCmd.AddCommand(rulesCmd)
}

func runRulesLint(cmd *cobra.Command, args []string) error {
	ruleList, err := rules.ParseFile(args[0])
	if err != nil {
		return err
	}
	engine, err := rules.NewEngine(ruleList)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "%s: ok, %d rules\n", args[0], engine.Len())
	return nil
}
