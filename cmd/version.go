///////////////////////////////////////////////////////////////////////////////
// Use of this source code is governed by a license that can be found in the //
// LICENSE file                                                              //
///////////////////////////////////////////////////////////////////////////////

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

const SEMVER = "0.1.0"

func init() {
	rootCmd.AddCommand(versionCmd)
}

func printVersion() {
	fmt.Printf("epsu v%s\n", SEMVER)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of epsu",
	Run: func(cmd *cobra.Command, args []string) {
		printVersion()
	},
}
