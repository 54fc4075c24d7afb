package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/imulink/internal/ptyio"
	"github.com/srg/imulink/internal/session"
)

func newBridgeCmd() *cobra.Command {
	var (
		f       targetFlags
		start   bool
		symlink string
	)

	cmd := &cobra.Command{
		Use:   "bridge [device]",
		Short: "Expose a device as a textline serial port",
		Long: `Connect to a device and expose it through a pseudoterminal that speaks the
textline protocol, whatever the device's own family.

Applications written for USB serial IMUs can open the printed TTY: samples are
written as text lines and ?property, :01 (start) and :02 (stop) commands are
answered.`,
		Example: `  imulink bridge left-wrist --start
  imulink bridge --tech halfstream --serial 00A1 --symlink /tmp/imu0`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd, args, f, func(ctx context.Context, e *env, s session.Session) error {
				pty, err := ptyio.Open(ptyio.Options{
					WriteCap: e.cfg.Bridge.WriteCap,
					Logger:   e.logger,
					OnError: func(err error) {
						e.logger.WithError(err).Error("PTY failed")
					},
				})
				if err != nil {
					return fmt.Errorf("failed to open PTY: %w", err)
				}
				defer pty.Close()

				if symlink != "" {
					if err := os.Symlink(pty.TTYName(), symlink); err != nil {
						return fmt.Errorf("failed to create tty symlink: %w", err)
					}
					defer func() {
						if err := os.Remove(symlink); err != nil {
							e.logger.WithError(err).WithField("symlink", symlink).Warn("Failed to remove tty symlink")
						}
					}()
				}

				b := ptyio.NewBridge(ctx, pty, s, e.logger)
				defer b.Detach()
				s.SetSink(b.Sink())

				fmt.Fprintf(cmd.OutOrStdout(), "Bridging %s %s on %s\n", s.Technology(), s.Serial(), pty.TTYName())
				if symlink != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "Symlink: %s\n", symlink)
				}

				if start {
					if err := s.StartStreaming(ctx); err != nil {
						return err
					}
				}

				var lostErr error
				select {
				case <-ctx.Done():
				case err := <-e.lost:
					lostErr = fmt.Errorf("%w: %w", ErrConnectionLost, err)
				}

				written, dropped := b.Counts()
				stats := pty.Stats()
				e.logger.WithFields(logrus.Fields{
					"written":             written,
					"dropped":             dropped,
					"dropped_write_bytes": stats.DroppedWriteBytes,
					"dropped_read_bytes":  stats.DroppedReadBytes,
				}).Info("Bridge stopped")
				if s.Streaming() {
					stopCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Session.CommandTimeout)
					defer cancel()
					_ = s.StopStreaming(stopCtx)
				}
				return lostErr
			})
		},
	}

	addTargetFlags(cmd, &f)
	cmd.Flags().BoolVar(&start, "start", false, "Start streaming immediately instead of waiting for :01")
	cmd.Flags().StringVar(&symlink, "symlink", "", "Create a symlink to the PTY device (e.g., /tmp/imu0)")
	return cmd
}
