// Copyright © 2024 AI Horde <contact@aihorde.net>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aihorde/horde-image-worker/bridge"
	"github.com/aihorde/horde-image-worker/common"
	"github.com/aihorde/horde-image-worker/engine"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: runCmdShortDescription,
	Long:  runCmdLongDescription,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := bridge.Load(configPath)
		if err != nil {
			return err
		}

		envLogFolder := common.GetEnvironmentVariable(common.EEnvironmentVariable.LogLocation())
		logFolder := common.IffString(envLogFolder != "", envLogFolder, cfg.WorkDir)
		logger := common.NewWorkerLogger(cfg.WorkerName, cfg.ParsedLogLevel(), logFolder, true)
		logger.OpenLog()
		defer logger.CloseLog()

		e, err := engine.MainEngine(cfg, logger)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		interrupts := make(chan os.Signal, 2)
		signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-interrupts
			logger.Log(common.ELogLevel.Warning(), "Interrupt received, draining. Interrupt again to exit immediately.")
			e.RequestShutdown()
			<-interrupts
			cancel()
		}()

		return e.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
