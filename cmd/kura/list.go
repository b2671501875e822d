package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harunnryd/kura/internal/formatter"
	"github.com/harunnryd/kura/internal/orchestrator"
	"github.com/harunnryd/kura/internal/orchestrator/command"
	"github.com/harunnryd/kura/internal/sandbox"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List instances or base images",
	RunE: func(cmd *cobra.Command, args []string) error {
		bases, _ := cmd.Flags().GetBool("bases")
		output, _ := cmd.Flags().GetString("output")

		format, err := formatter.ParseOutputFormat(output)
		if err != nil {
			return err
		}
		f, err := formatter.Create(format)
		if err != nil {
			return err
		}

		return withRunner(cmd, func(ctx context.Context, r runner) error {
			var rendered string
			if bases {
				rendered, err = renderBases(ctx, r, f)
			} else {
				rendered, err = renderInstances(ctx, r, f)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), rendered)
			return nil
		})
	},
}

func renderInstances(ctx context.Context, r runner, f formatter.SandboxFormatter) (string, error) {
	res := r.Run(ctx, command.Command{Operation: "list", Params: map[string]string{}})
	var instances []sandbox.Instance
	if err := decodeField(res, "instances", &instances); err != nil {
		return "", err
	}
	return f.FormatInstances(instances)
}

func renderBases(ctx context.Context, r runner, f formatter.SandboxFormatter) (string, error) {
	res := r.Run(ctx, command.Command{Operation: "list_bases", Params: map[string]string{}})
	var bases []sandbox.BaseImage
	if err := decodeField(res, "bases", &bases); err != nil {
		return "", err
	}
	return f.FormatBases(bases)
}

// decodeField converts a result field into a typed value. Local results carry the
// typed value already; remote ones carry decoded JSON.
func decodeField(res orchestrator.Result, key string, dst any) error {
	if !res.Success {
		return fmt.Errorf("%s", res.String())
	}
	raw, err := json.Marshal(res.Field(key))
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().Bool("bases", false, "list registered base images instead of instances")
	listCmd.Flags().StringP("output", "o", "table", "output format (table, json, yaml)")
}
