package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"gantry/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the gantry version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gantry %s\n", version.Get())
	},
}
