package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var keysJSON bool

// keysCmd prints the masked credential table.
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Show where each API key comes from and whether it is valid",
	Args:  cobra.NoArgs,
	RunE:  runKeys,
}

func init() {
	keysCmd.Flags().BoolVar(&keysJSON, "json", false, "Print as JSON")
}

func runKeys(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	report := env.resolver.StatusReport()
	out := cmd.OutOrStdout()
	if keysJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPROVIDER\tSOURCE\tVALUE\tVALID")
	for _, e := range report {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", e.Name, e.Provider, e.Source, e.Masked, e.Valid)
	}
	return tw.Flush()
}
