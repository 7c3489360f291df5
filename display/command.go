// Package display picks between human and JSON output for CLI commands.
package display

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/teranos/crmsync/errors"
)

// ShouldOutputJSON reports whether cmd was asked for JSON, either with its
// own --json flag or a persistent --json on the root command.
func ShouldOutputJSON(cmd *cobra.Command) bool {
	if cmd == nil {
		return false
	}
	if f := cmd.Flags().Lookup("json"); f != nil && f.Changed {
		v, _ := cmd.Flags().GetBool("json")
		return v
	}
	if f := cmd.Root().PersistentFlags().Lookup("json"); f != nil {
		v, _ := cmd.Root().PersistentFlags().GetBool("json")
		return v
	}
	return false
}

// OutputJSON writes v to cmd's stdout as indented JSON.
func OutputJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal JSON")
	}
	data = append(data, '\n')
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
