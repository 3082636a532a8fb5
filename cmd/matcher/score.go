package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cozy/connections/internal/scoring"
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Print the similarity of two answer texts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, _ := cmd.Flags().GetString("a")
		b, _ := cmd.Flags().GetString("b")
		fmt.Fprintf(cmd.OutOrStdout(), "%.4f\n", scoring.Similarity(a, b))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scoreCmd)

	scoreCmd.Flags().String("a", "", "first answer text")
	scoreCmd.Flags().String("b", "", "second answer text")
}
