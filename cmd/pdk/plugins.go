package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
)

func newListCommand(opts *globalOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List loaded connector plugins",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := newHost(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			specs := make([]*core.Specification, 0, h.registry.Len())
			for _, p := range h.registry.List() {
				specs = append(specs, p.Spec)
			}
			if output == "json" {
				return writeJSON(cmd.OutOrStdout(), specs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PLUGIN\tNAME\tCAPABILITIES")
			for _, s := range specs {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Key(), s.Name, strings.Join(s.CapabilityNames(), ","))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			for path, ferr := range h.loader.Failures() {
				fmt.Fprintf(cmd.ErrOrStderr(), "failed: %s: %v\n", path, ferr)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format (text or json)")
	return cmd
}

func newTestConnectionCommand(opts *globalOptions) *cobra.Command {
	var (
		connFile string
		sets     []string
		timeout  time.Duration
		output   string
	)
	cmd := &cobra.Command{
		Use:   "test-connection <plugin>",
		Short: "Run a plugin's connection test",
		Long: `Run a plugin's connection test against a connection configuration.
The plugin is referenced as [group:]id[@version].

Example:
  pdk test-connection mysql --connection mysql.yaml --set password=secret`,
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
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			cc := core.NewConnectorContext(plugin.Spec, "test-connection", conn, nil, h.logger)
			var items []core.TestItem
			if err := plugin.New().ConnectionTest(ctx, cc, func(item core.TestItem) {
				items = append(items, item)
			}); err != nil {
				return err
			}
			if output == "json" {
				return writeJSON(cmd.OutOrStdout(), items)
			}
			return writeTestItems(cmd.OutOrStdout(), plugin.Key(), items)
		},
	}
	cmd.Flags().StringVar(&connFile, "connection", "", "Connection configuration YAML file")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "Connection option as key=value, repeatable")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Connection test timeout")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format (text or json)")
	return cmd
}

func writeTestItems(w io.Writer, plugin string, items []core.TestItem) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "connection test of %s\n", plugin)
	failed := false
	for _, item := range items {
		if item.Result == core.TestFailed {
			failed = true
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", item.Item, item.Result, item.Information)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if failed {
		return fmt.Errorf("connection test of %s failed", plugin)
	}
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
