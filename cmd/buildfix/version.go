package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/buildfix/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Args:  usageArgs(cobra.NoArgs),
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Build().String())
	},
}
