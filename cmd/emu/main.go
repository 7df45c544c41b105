// Command emu runs a raw byte-image program on the vm32 emulator.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"time"

	"github.com/bassosimone/vm32/internal/emuerr"
	"github.com/bassosimone/vm32/internal/emulator"
	"github.com/bassosimone/vm32/internal/monitor"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	logger := logrus.StandardLogger()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var (
		steadyClock bool
		gfxWidth    int
		gfxHeight   int
		gfxFPS      int
		gfxBase     uint32
	)

	root := &cobra.Command{
		Use:   "emu <image-file>",
		Short: "Run a vm32 byte-image program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if emulator.EnvTraceEnabled() {
				logger.SetLevel(logrus.TraceLevel)
			}

			image, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			e, err := emulator.New()
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.WriteProgram(image); err != nil {
				return err
			}

			var mon *monitor.Monitor
			var stopRefresh chan struct{}
			if gfxWidth > 0 && gfxHeight > 0 {
				mon = monitor.New(e.MMU, gfxBase, monitor.Args{Width: gfxWidth, Height: gfxHeight, FPS: gfxFPS})
				go func() {
					if err := mon.Run(); err != nil {
						logger.WithError(err).Error("monitor exited")
					}
				}()

				fps := gfxFPS
				if fps <= 0 {
					fps = 60
				}
				stopRefresh = make(chan struct{})
				go func() {
					ticker := time.NewTicker(time.Second / time.Duration(fps))
					defer ticker.Stop()
					for {
						select {
						case <-ticker.C:
							mon.RequestDraw()
						case <-stopRefresh:
							return
						}
					}
				}()
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			logger.Infof("emu: running %s", args[0])
			res := e.Run(emulator.RunOptions{
				Trace:       emulator.EnvTraceEnabled(),
				SteadyClock: steadyClock,
				Logger:      logger,
				Context:     ctx,
			})
			if mon != nil {
				close(stopRefresh)
				mon.Stop()
			}

			if res.Err != nil && !errors.Is(res.Err, context.Canceled) {
				logger.WithFields(logrus.Fields{
					"pc":     res.PC,
					"cycles": res.Cycles,
				}).WithError(res.Err).Error("emu: halted with error")
				var pf *emuerr.PageFaultError
				if errors.As(res.Err, &pf) {
					os.Exit(2)
				}
				os.Exit(1)
			}

			logger.WithFields(logrus.Fields{
				"exit_code": res.ExitCode,
				"cycles":    res.Cycles,
			}).Info("emu: halted")
			os.Exit(int(res.ExitCode))
			return nil
		},
	}

	root.Flags().BoolVar(&steadyClock, "steady-clock", false, "pace execution to a fixed cycle rate")
	root.Flags().IntVar(&gfxWidth, "gfx-width", 0, "enable the monitor with this framebuffer width")
	root.Flags().IntVar(&gfxHeight, "gfx-height", 0, "enable the monitor with this framebuffer height")
	root.Flags().IntVar(&gfxFPS, "gfx-fps", 60, "monitor refresh rate")
	root.Flags().Uint32Var(&gfxBase, "gfx-base", 0, "framebuffer base address")

	if err := root.Execute(); err != nil {
		logger.Fatal(err)
	}
}
