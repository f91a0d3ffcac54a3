package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/pkg/formatters"
	"github.com/Ramsey-B/fern/pkg/parametrizer"
	"github.com/Ramsey-B/fern/pkg/permissions"
)

func newParametrizerCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parametrizer",
		Short: "Inspect and refresh query parametrizers",
	}
	cmd.AddCommand(
		newParametrizerListCommand(flags),
		newParametrizerRefreshCommand(flags),
	)
	return cmd
}

func newParametrizerListCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List parametrizers and the number of argument sets each expands to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.run(cmd, false, func(ctx context.Context, a *app) error {
				list, err := a.repos.Parametrizers.List(ctx)
				if err != nil {
					return err
				}
				t := newTable(cmd.OutOrStdout(), "code", "name", "system", "source", "sets")
				for _, p := range list {
					sets := nullValue
					if spec, err := parametrizer.Parse(p.Code, p.Value.Data); err == nil {
						sets = fmt.Sprint(spec.Len())
					}
					t.AppendRow([]any{p.Code, p.Name, p.System, cell(p.SourceQueryID), sets})
				}
				t.Render()
				return nil
			})
		},
	}
}

func newParametrizerRefreshCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <code>",
		Short: "Re-run a parametrizer's source query and store its values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.run(cmd, false, func(ctx context.Context, a *app) error {
				p, err := a.repos.Parametrizers.GetByCode(ctx, args[0])
				if err != nil {
					return err
				}
				if p.SourceQueryID == nil {
					return fmt.Errorf("parametrizer %s has no source query", p.Code)
				}
				source, err := a.repos.Queries.GetByID(ctx, *p.SourceQueryID)
				if err != nil {
					return err
				}
				if err := permissions.Require(ctx, a.checker, permissions.ActionRun, source); err != nil {
					return err
				}
				if err := a.engine.Refresh(ctx, p); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", p.Code, truncate(string(p.Value.Data), 120))
				return nil
			})
		},
	}
}

func newFormatterCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "formatter",
		Short: "Inspect formatters and the processors behind them",
	}
	cmd.AddCommand(
		newFormatterListCommand(flags),
		newFormatterProcessorsCommand(flags),
	)
	return cmd
}

func newFormatterListCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured formatters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.run(cmd, false, func(ctx context.Context, a *app) error {
				list, err := a.repos.Formatters.List(ctx)
				if err != nil {
					return err
				}
				t := newTable(cmd.OutOrStdout(), "name", "processor", "mode", "template", "status")
				for i := range list {
					f := &list[i]
					status := "ok"
					if _, _, err := formatters.Resolve(a.processors, f); err != nil {
						status = truncate(err.Error(), 60)
					}
					t.AppendRow([]any{f.Name, f.Processor, f.Mode, cell(f.TemplateKey), status})
				}
				t.Render()
				return nil
			})
		},
	}
}

func newFormatterProcessorsCommand(flags *globalFlags) *cobra.Command {
	var templated bool
	cmd := &cobra.Command{
		Use:   "processors",
		Short: "List the processors a formatter can use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.run(cmd, false, func(_ context.Context, a *app) error {
				var filter func(formatters.Processor) bool
				if templated {
					filter = formatters.Processor.NeedsTemplate
				}
				t := newTable(cmd.OutOrStdout(), "key", "label", "type", "mode")
				for _, choice := range a.processors.AsChoices(filter) {
					p, _ := a.processors.Get(choice.Key)
					t.AppendRow([]any{choice.Key, choice.Label, p.ContentType(), p.Mode()})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&templated, "templated", false, "only processors that need a template document")
	return cmd
}
