package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/nebula-pdk/pkg/codec"
	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-pdk/pkg/mapping"
)

// prediction is how one source type expression lands on the target
type prediction struct {
	Source   string               `json:"source"`
	Semantic string               `json:"semantic"`
	Target   string               `json:"target,omitempty"`
	Items    []mapping.ResultItem `json:"items,omitempty"`
}

func newPredictCommand(opts *globalOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "predict <source-plugin> <target-plugin>",
		Short: "Predict how a source's data types convert to a target",
		Long: `Render every data type of the source plugin at the bounds of its
parameters and convert it through the target plugin's data types. Lossy and
failed conversions are reported per type.

Example:
  pdk predict mysql postgres -o json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := newHost(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			src, err := h.plugin(args[0])
			if err != nil {
				return err
			}
			tgt, err := h.plugin(args[1])
			if err != nil {
				return err
			}
			rows, err := predict(src, tgt)
			if err != nil {
				return err
			}
			if output == "json" {
				return writeJSON(cmd.OutOrStdout(), rows)
			}
			return writePredictions(cmd.OutOrStdout(), src.Key(), tgt.Key(), rows)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format (text or json)")
	return cmd
}

func predict(src, tgt *registry.Plugin) ([]prediction, error) {
	if src.Spec.DataTypes == nil || src.Spec.DataTypes.Len() == 0 {
		return nil, fmt.Errorf("plugin %s declares no data types", src.Key())
	}
	if tgt.Spec.DataTypes == nil || tgt.Spec.DataTypes.Len() == 0 {
		return nil, fmt.Errorf("plugin %s declares no data types", tgt.Key())
	}

	// the target's codec hints take part in the conversion as they do in a flow
	hints := codec.NewRegistry()
	tgt.New().RegisterCapabilities(&core.Functions{}, hints)

	table := mapping.Extremes(src.Spec.DataTypes)
	converted, items, err := mapping.NewGenerator().Convert(table, tgt.Spec.DataTypes, hints)
	if err != nil {
		return nil, err
	}
	byField := map[string][]mapping.ResultItem{}
	for _, item := range items {
		byField[item.Field] = append(byField[item.Field], item)
	}

	rows := make([]prediction, 0, len(table.Fields))
	for _, f := range table.Fields {
		row := prediction{Source: f.Name, Semantic: f.Type.String(), Items: byField[f.Name]}
		if tf := converted.Field(f.Name); tf != nil {
			row.Target = tf.DataType
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func writePredictions(w io.Writer, src, tgt string, rows []prediction) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s -> %s\n", src, tgt)
	fmt.Fprintln(tw, "SOURCE\tSEMANTIC\tTARGET\tNOTES")
	for _, r := range rows {
		target := r.Target
		if target == "" {
			target = "-"
		}
		notes := ""
		for i, item := range r.Items {
			if i > 0 {
				notes += "; "
			}
			notes += fmt.Sprintf("%s: %s", item.Level, item.Message)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Source, r.Semantic, target, notes)
	}
	return tw.Flush()
}
