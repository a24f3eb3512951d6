package main

import (
	"fmt"
	"strings"

	"github.com/lychee-technology/objectbase/internal"
	"github.com/spf13/cobra"
)

func newSuggestAPINameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "suggest-api-name [label...]",
		Short: "Print the API name suggested for a label",
		Long:  `Print the API name objectbase derives from each label, the same way object types and fields are named when no api_name is given.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, label := range args {
				name := internal.SuggestAPIName(label)
				if err := internal.ValidateAPIName(name); err != nil {
					return fmt.Errorf("label %q: %w", label, err)
				}
				if len(args) == 1 {
					fmt.Fprintln(out, name)
					continue
				}
				fmt.Fprintf(out, "%s\t%s\n", strings.TrimSpace(label), name)
			}
			return nil
		},
	}
}
