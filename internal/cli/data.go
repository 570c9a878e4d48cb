package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/firetree/firetree/pkg/firetree"
)

type writeFunc func(conn *firetree.Connection, ctx context.Context, path string, body map[string]any) (firetree.Value, error)

func newDataCmds(flags *GlobalFlags) []*cobra.Command {
	read := func(call func(*firetree.Connection, context.Context, string) (firetree.Value, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			return runData(cmd, flags, func(conn *firetree.Connection) (firetree.Value, error) {
				return call(conn, cmd.Context(), args[0])
			})
		}
	}
	write := func(call writeFunc) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			body, err := readBody(cmd, args)
			if err != nil {
				return err
			}
			return runData(cmd, flags, func(conn *firetree.Connection) (firetree.Value, error) {
				return call(conn, cmd.Context(), args[0], body)
			})
		}
	}

	return []*cobra.Command{
		{
			Use:   "get <path>",
			Short: "Read the value at a path",
			Args:  cobra.ExactArgs(1),
			RunE:  read((*firetree.Connection).Get),
		},
		{
			Use:   "put <path> [json|-]",
			Short: "Replace the value at a path",
			Long:  "Replace the value at a path with a JSON object given as an argument, or on stdin when omitted or '-'.",
			Args:  cobra.RangeArgs(1, 2),
			RunE:  write((*firetree.Connection).Put),
		},
		{
			Use:   "post <path> [json|-]",
			Short: "Append a child with a generated key",
			Long:  "Append a JSON object under a path. The generated key is printed as {\"name\": ...}.",
			Args:  cobra.RangeArgs(1, 2),
			RunE:  write((*firetree.Connection).Post),
		},
		{
			Use:   "patch <path> [json|-]",
			Short: "Merge fields into the value at a path",
			Args:  cobra.RangeArgs(1, 2),
			RunE:  write((*firetree.Connection).Patch),
		},
		{
			Use:   "delete <path>",
			Short: "Remove the value at a path",
			Args:  cobra.ExactArgs(1),
			RunE:  read((*firetree.Connection).Delete),
		},
	}
}

func runData(cmd *cobra.Command, flags *GlobalFlags, call func(*firetree.Connection) (firetree.Value, error)) error {
	s, err := openSession(cmd, flags)
	if err != nil {
		return err
	}
	defer s.close()

	// A failed exchange is already logged; the request itself reports the
	// missing token.
	_, _ = s.authenticate(cmd.Context())

	v, err := call(s.conn)
	if err != nil {
		return err
	}
	return printValue(cmd.OutOrStdout(), flags, v)
}

// readBody takes the JSON object from args[1], or from stdin when it is
// absent or "-".
func readBody(cmd *cobra.Command, args []string) (map[string]any, error) {
	var raw []byte
	if len(args) > 1 && args[1] != "-" {
		raw = []byte(args[1])
	} else {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		raw = data
	}

	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("body must be a JSON object: %w", err)
	}
	if body == nil {
		return nil, fmt.Errorf("body must be a JSON object")
	}
	return body, nil
}

func printValue(w io.Writer, flags *GlobalFlags, v firetree.Value) error {
	if flags.JSON {
		return json.NewEncoder(w).Encode(map[string]any{
			"kind":  v.Kind().String(),
			"value": v,
		})
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
