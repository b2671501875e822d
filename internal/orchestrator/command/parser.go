// Package command parses the flat "operation key=value ..." command surface.
package command

import (
	"sort"
	"strings"

	kuraErrors "github.com/harunnryd/kura/internal/errors"

	"github.com/google/shlex"
)

// Command is one parsed request.
type Command struct {
	Operation string
	Params    map[string]string
}

// Parse splits line with shell quoting rules. The first token is the operation; every
// later token is key=value, except that a single bare token may name the instance.
func Parse(line string) (Command, error) {
	parts, err := shlex.Split(line)
	if err != nil {
		return Command{}, kuraErrors.InvalidInput("malformed command %q: %v", line, err)
	}
	return FromArgs(parts)
}

// FromArgs builds a command from tokens that are already split, such as os.Args.
func FromArgs(parts []string) (Command, error) {
	if len(parts) == 0 {
		return Command{}, kuraErrors.InvalidInput("empty command")
	}

	cmd := Command{
		Operation: normalizeOperation(parts[0]),
		Params:    make(map[string]string, len(parts)-1),
	}
	if cmd.Operation == "" {
		return Command{}, kuraErrors.InvalidInput("empty operation")
	}

	for _, part := range parts[1:] {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			if _, named := cmd.Params["name"]; named {
				return Command{}, kuraErrors.InvalidInput("unexpected argument %q (use key=value)", part)
			}
			cmd.Params["name"] = part
			continue
		}

		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			return Command{}, kuraErrors.InvalidInput("argument %q has an empty key", part)
		}
		cmd.Params[key] = value
	}
	return cmd, nil
}

// New builds a command from an already structured request.
func New(operation string, params map[string]string) (Command, error) {
	op := normalizeOperation(operation)
	if op == "" {
		return Command{}, kuraErrors.InvalidInput("empty operation")
	}

	cmd := Command{Operation: op, Params: make(map[string]string, len(params))}
	for k, v := range params {
		cmd.Params[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return cmd, nil
}

func normalizeOperation(op string) string {
	op = strings.ToLower(strings.TrimSpace(op))
	return strings.ReplaceAll(op, "-", "_")
}

// String renders the command back with keys sorted.
func (c Command) String() string {
	keys := make([]string, 0, len(c.Params))
	for k := range c.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(c.Operation)
	for _, k := range keys {
		v := c.Params[k]
		if strings.ContainsAny(v, " \t\"'") {
			v = `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
		}
		b.WriteString(" " + k + "=" + v)
	}
	return b.String()
}
