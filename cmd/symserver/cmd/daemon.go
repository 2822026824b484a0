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
	"os"
	"os/signal"
	"syscall"

	"github.com/apex/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/symserver/internal/config"
	"github.com/blacktop/symserver/internal/daemon"
)

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.Flags().String("host", "", "daemon host")
	daemonCmd.Flags().Int("port", 0, "daemon port")
	daemonCmd.Flags().String("socket", "", "daemon unix socket")
	daemonCmd.Flags().BoolP("debug", "D", false, "enable debug mode")
	viper.BindPFlag("daemon.host", daemonCmd.Flags().Lookup("host"))
	viper.BindPFlag("daemon.port", daemonCmd.Flags().Lookup("port"))
	viper.BindPFlag("daemon.socket", daemonCmd.Flags().Lookup("socket"))
	viper.BindPFlag("daemon.debug", daemonCmd.Flags().Lookup("debug"))
}

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:           "daemon",
	Short:         "Start the symbol server daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}

		d := daemon.NewDaemon(conf)

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigs
			log.WithField("signal", sig.String()).Info("shutting down")
			if err := d.Stop(); err != nil {
				log.WithError(err).Error("failed to stop daemon")
			}
		}()

		log.WithFields(log.Fields{
			"host":   conf.Daemon.Host,
			"port":   conf.Daemon.Port,
			"socket": conf.Daemon.Socket,
		}).Info("starting symserver daemon")
		return d.Start()
	},
}
