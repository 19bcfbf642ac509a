package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "quantrail",
		Short: "Risk-gated futures trading controller",
		Long: `quantrail turns streaming market data and scored proposals into
risk-gated orders, recording an auditable decision ticket for every cycle.`,
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newReplayCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
