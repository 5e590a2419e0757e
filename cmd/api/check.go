package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tradeflow/api/internal/completion"
	"tradeflow/api/internal/doctree"
	"tradeflow/api/internal/fields"
)

func newCheckCmd() *cobra.Command {
	var (
		step     string
		template bool
	)
	cmd := &cobra.Command{
		Use:   "check <file>",
		Short: "Report missing fields of a saved document",
		Long: `Check evaluates one document offline and prints its completion report.
Pass --template to read an unfilled template with [field] placeholders.
The command exits non-zero when required fields are still missing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := doctree.ParseKind(step)
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}

			parse := doctree.Unmarshal
			if template {
				parse = doctree.Hydrate
			}
			doc, err := parse(kind, string(raw))
			if err != nil {
				return err
			}

			report := completion.NewEvaluator(fields.DefaultRules()).Evaluate(doc)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(map[string]any{
				"step":     kind.String(),
				"complete": report.Complete(),
				"report":   report,
			}); err != nil {
				return err
			}
			if !report.Complete() {
				return fmt.Errorf("%s is incomplete: %d missing fields, %d unanswered groups",
					kind, len(report.Missing), len(report.EmptyGroups))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&step, "step", "offer", "document kind or step index")
	cmd.Flags().BoolVar(&template, "template", false, "treat the file as a template with [field] placeholders")
	return cmd
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
