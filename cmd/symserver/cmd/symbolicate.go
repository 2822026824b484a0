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
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/symserver/internal/syms/server"
)

func init() {
	rootCmd.AddCommand(symbolicateCmd)

	symbolicateCmd.Flags().String("url", "http://localhost:8080", "symserver daemon URL")
	symbolicateCmd.Flags().StringP("device", "d", "", "device identifier (e.g. iPhone15,2)")
	symbolicateCmd.Flags().StringP("os-version", "o", "", "OS version (e.g. 18.5)")
	symbolicateCmd.Flags().StringP("build", "b", "", "build identifier (e.g. 22F76)")
	symbolicateCmd.Flags().BoolP("json", "j", false, "output as JSON")
	symbolicateCmd.MarkFlagRequired("device")
	symbolicateCmd.MarkFlagRequired("os-version")
	viper.BindPFlag("symbolicate.url", symbolicateCmd.Flags().Lookup("url"))
}

// symbolicateCmd represents the symbolicate command
var symbolicateCmd = &cobra.Command{
	Use:           "symbolicate <ADDRESS>...",
	Aliases:       []string{"sym"},
	Short:         "Resolve crash addresses to symbol names",
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		device, _ := cmd.Flags().GetString("device")
		version, _ := cmd.Flags().GetString("os-version")
		build, _ := cmd.Flags().GetString("build")
		asJSON, _ := cmd.Flags().GetBool("json")

		client := server.NewServer(viper.GetString("symbolicate.url"))
		if err := client.Ping(); err != nil {
			return fmt.Errorf("daemon not reachable: %w", err)
		}

		resolutions, err := client.Symbolicate(args, device, version, build)
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(resolutions)
		}
		for _, res := range resolutions {
			if !res.Found {
				fmt.Printf("%#x: ???\n", res.Address)
				continue
			}
			if res.Offset > 0 {
				fmt.Printf("%#x: %s + %#x\n", res.Address, res.Symbol, res.Offset)
			} else {
				fmt.Printf("%#x: %s\n", res.Address, res.Symbol)
			}
		}
		return nil
	},
}
