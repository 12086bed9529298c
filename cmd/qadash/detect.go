package main

import (
	"fmt"

	"github.com/qadash/qadash/pkg/config"
	"github.com/qadash/qadash/pkg/detector"
	"github.com/spf13/cobra"
)

var detectCmd = &cobra.Command{
	Use:   "detect <dir>",
	Short: "Print the test command qadash would run for a directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runDetect,
}

func init() {
	rootCmd.AddCommand(detectCmd)
}

func runDetect(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	rules := detector.DefaultRuleSet()

	if cfg.Runner.DetectorRulesFile != "" {
		rules, err = detector.LoadRuleSet(cfg.Runner.DetectorRulesFile)
		if err != nil {
			return fmt.Errorf("loading detector rules: %w", err)
		}
	}

	name, command := rules.Detect(args[0])

	fmt.Printf("runner:  %s\n", name)
	fmt.Printf("command: %s\n", command)

	return nil
}
