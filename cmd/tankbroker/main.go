package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "tankbroker",
		Short: "Membership broker for a ring of tanks",
		Long: `Tankbroker assigns ids and ring positions to members that register
over UDP, keeps every member informed about its left and right neighbor,
evicts members whose lease ran out and keeps the single token alive.

All traffic except the initial key exchange is encrypted.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newPoisonCmd(),
		newResolveCmd(),
		newHistoryCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
