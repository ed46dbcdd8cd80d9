package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/nebula-pdk/internal/tdd"
)

func newTDDCommand(opts *globalOptions) *cobra.Command {
	var (
		connFile string
		sets     []string
		suite    tdd.Options
		output   string
	)
	cmd := &cobra.Command{
		Use:   "tdd <plugin>",
		Short: "Run the batch read conformance suite against a plugin",
		Long: `Write records into a fresh table of the plugin, read them back with
batch_read through a flow, verify them, then drop the table and confirm it
is no longer discovered.

Example:
  pdk tdd postgres --connection pg.yaml --records 11 --batch-size 5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := newHost(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			plugin, err := h.plugin(args[0])
			if err != nil {
				return err
			}
			conn, err := readDataMap(connFile, sets)
			if err != nil {
				return err
			}
			s, err := tdd.NewBatchReadSuite(plugin, conn, suite, h.logger)
			if err != nil {
				return err
			}
			report, err := s.Run(cmd.Context())
			if err != nil {
				return err
			}
			if output == "json" {
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else if err := report.WriteText(cmd.OutOrStdout()); err != nil {
				return err
			}
			if !report.Passed() {
				return fmt.Errorf("%s suite failed on %s", report.Suite, report.Plugin)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&connFile, "connection", "", "Connection configuration YAML file")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "Connection option as key=value, repeatable")
	cmd.Flags().StringVar(&suite.Table, "table", "", "Table created by the suite, random when empty")
	cmd.Flags().IntVar(&suite.Records, "records", 11, "Records written and read back")
	cmd.Flags().IntVar(&suite.BatchSize, "batch-size", 5, "Batch size of the read back")
	cmd.Flags().DurationVar(&suite.Timeout, "timeout", 2*time.Minute, "Timeout of each flow of the suite")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format (text or json)")
	return cmd
}
