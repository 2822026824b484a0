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
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/symserver/internal/syms/server"
)

func init() {
	rootCmd.AddCommand(statsCmd)

	statsCmd.Flags().String("url", "http://localhost:8080", "symserver daemon URL")
	viper.BindPFlag("stats.url", statsCmd.Flags().Lookup("url"))
}

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:           "stats",
	Short:         "Show symbol cache usage",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := server.NewServer(viper.GetString("stats.url"))
		st, err := client.Stats()
		if err != nil {
			return err
		}
		fmt.Printf("items:  %d\n", st.ItemCount)
		fmt.Printf("usage:  %s", humanize.Bytes(uint64(st.UsageBytes)))
		if st.BudgetBytes > 0 {
			fmt.Printf(" / %s", humanize.Bytes(uint64(st.BudgetBytes)))
		}
		fmt.Println()
		fmt.Printf("hits:   %d\n", st.Hits)
		fmt.Printf("misses: %d\n", st.Misses)
		return nil
	},
}
