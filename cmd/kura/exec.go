package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/harunnryd/kura/internal/orchestrator"
	"github.com/harunnryd/kura/internal/orchestrator/command"

	"github.com/spf13/cobra"
)

var execCmd = &cobra.Command{
	Use:   "exec <operation> [name] [key=value ...]",
	Short: "Run a single orchestrator command",
	Long: `Runs one command such as "create name=web image=alpine memory=512" and prints the result.
Without --remote the command runs against a local orchestrator that holds the state lock for its duration.`,
	Example: `  kura exec create name=web image=alpine:3.20 memory=512 cpus=1
  kura exec start web
  kura exec execute web "command=uname -a"
  kura --remote http://127.0.0.1:8088 exec list`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		parsed, err := command.FromArgs(args)
		if err != nil {
			return err
		}

		return withRunner(cmd, func(ctx context.Context, r runner) error {
			res := r.Run(ctx, parsed)
			if err := printResult(cmd.OutOrStdout(), res, asJSON); err != nil {
				return err
			}
			if !res.Success {
				if !asJSON {
					fmt.Fprintln(cmd.ErrOrStderr(), res.String())
				}
				return &exitError{code: 1}
			}
			return nil
		})
	},
}

// printResult writes the JSON wire shape, or the output text on success. Failures in
// text mode are left to the caller.
func printResult(w io.Writer, res orchestrator.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if res.Success && res.Output != "" {
		_, err := fmt.Fprintln(w, res.Output)
		return err
	}
	return nil
}

func init() {
	rootCmd.AddCommand(execCmd)
	execCmd.Flags().Bool("json", false, "print the full result as JSON")
}
