/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"github.com/apex/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/symserver/internal/syms/server"
)

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().String("url", "http://localhost:8080", "symserver daemon URL")
	scanCmd.Flags().StringP("device", "d", "", "device identifier (e.g. iPhone15,2)")
	scanCmd.Flags().StringP("os-version", "o", "", "OS version (e.g. 18.5)")
	scanCmd.Flags().StringP("build", "b", "", "build identifier (e.g. 22F76)")
	scanCmd.Flags().BoolP("force", "f", false, "re-run a previously failed extraction")
	scanCmd.MarkFlagRequired("device")
	scanCmd.MarkFlagRequired("os-version")
	viper.BindPFlag("scan.url", scanCmd.Flags().Lookup("url"))
}

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:           "scan",
	Short:         "Pre-warm the symbol cache for a firmware",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		device, _ := cmd.Flags().GetString("device")
		version, _ := cmd.Flags().GetString("os-version")
		build, _ := cmd.Flags().GetString("build")
		force, _ := cmd.Flags().GetBool("force")

		client := server.NewServer(viper.GetString("scan.url"))
		status, err := client.Scan(device, version, build, force)
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"device":  device,
			"version": version,
			"status":  status,
		}).Info("scan complete")
		return nil
	},
}
