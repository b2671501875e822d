package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/harunnryd/kura/internal/orchestrator/command"

	"github.com/spf13/cobra"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive command session",
	Long:  `Reads one command per line, e.g. "start web", and prints each result. Type 'help' for the operation list and 'exit' to quit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		sig := NewSignalHandler(cmd.Context(), cmd.ErrOrStderr())
		sig.Start()
		defer sig.Stop()
		cmd.SetContext(sig.Context())

		return withRunner(cmd, func(ctx context.Context, r runner) error {
			return NewREPL(r, cmd.InOrStdin(), cmd.OutOrStdout(), asJSON).Start(ctx)
		})
	},
}

type REPL struct {
	runner runner
	reader *bufio.Reader
	out    io.Writer
	asJSON bool
}

func NewREPL(r runner, in io.Reader, out io.Writer, asJSON bool) *REPL {
	return &REPL{
		runner: r,
		reader: bufio.NewReader(in),
		out:    out,
		asJSON: asJSON,
	}
}

func (r *REPL) Start(ctx context.Context) error {
	fmt.Fprintln(r.out, "Kura interactive session")
	fmt.Fprintln(r.out, "Type 'help' for operations, 'exit' to quit.")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := r.readLine(ctx); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func (r *REPL) readLine(ctx context.Context) error {
	fmt.Fprint(r.out, "kura> ")
	text, err := r.reader.ReadString('\n')
	if err != nil && (err != io.EOF || strings.TrimSpace(text) == "") {
		return err
	}

	text = strings.TrimSpace(text)
	switch text {
	case "":
		return nil
	case "exit", "quit", "/exit":
		return io.EOF
	case "help", "?":
		ops, err := r.runner.Operations(ctx)
		if err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
			return nil
		}
		fmt.Fprintln(r.out, strings.Join(ops, " "))
		return nil
	}

	parsed, err := command.Parse(text)
	if err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
		return nil
	}
	res := r.runner.Run(ctx, parsed)
	if err := printResult(r.out, res, r.asJSON); err != nil {
		return err
	}
	if !res.Success && !r.asJSON {
		fmt.Fprintln(r.out, res.String())
	}
	return nil
}

func init() {
	rootCmd.AddCommand(shellCmd)
	shellCmd.Flags().Bool("json", false, "print each result as JSON")
}
