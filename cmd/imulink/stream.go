package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/srg/imulink/internal/imu"
	"github.com/srg/imulink/internal/protocol/regmap"
	"github.com/srg/imulink/internal/session"
	"github.com/srg/imulink/pkg/config"
)

var sampleFormats = []string{"text", "csv", "json"}

func newStreamCmd() *cobra.Command {
	var (
		f            targetFlags
		duration     time.Duration
		format       string
		fastConverge time.Duration
		streamMode   string
		buffering    int
	)

	cmd := &cobra.Command{
		Use:   "stream [device...]",
		Short: "Stream samples from one or more IMUs",
		Long: `Connect to the given devices and print their samples until interrupted.

Devices are configured names, or a single ad-hoc device described by --tech and
the selector flags. Several devices stream concurrently into one output.`,
		Example: `  imulink stream left-wrist right-wrist
  imulink stream --tech halfstream --serial 00A1 --fast-converge 5s
  imulink stream --tech regmap --stream-mode quat --format csv > capture.csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !lo.Contains(sampleFormats, format) {
				return fmt.Errorf("invalid format '%s': must be one of %v", format, sampleFormats)
			}
			var mode regmap.Mode
			if streamMode != "" {
				var err error
				if mode, err = regmap.ParseMode(streamMode); err != nil {
					return err
				}
			}

			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			targets, err := resolveTargets(e.cfg, args, f)
			if err != nil {
				return err
			}

			w := newSampleWriter(cmd.OutOrStdout(), format, len(targets) > 1)
			r := &streamRun{
				env:          e,
				w:            w,
				duration:     duration,
				fastConverge: fastConverge,
				mutate: func(o *session.Options) {
					if mode != 0 {
						o.StreamMode = int(mode)
					}
					if buffering > 0 {
						o.Buffering = buffering
					}
				},
			}

			counts := make([]*atomic.Int64, len(targets))
			g, ctx := errgroup.WithContext(cmd.Context())
			for i, d := range targets {
				counts[i] = &atomic.Int64{}
				g.Go(func() error {
					if err := r.run(ctx, d, counts[i]); err != nil {
						return fmt.Errorf("%s: %w", d.Name, err)
					}
					return nil
				})
			}
			err = g.Wait()
			if flushErr := w.Flush(); err == nil {
				err = flushErr
			}

			for i, d := range targets {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d samples\n", d.Name, counts[i].Load())
			}
			return err
		},
	}

	addTargetFlags(cmd, &f)
	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "Stop after this long (0 streams until interrupted)")
	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format (text, csv, json)")
	cmd.Flags().DurationVar(&fastConverge, "fast-converge", 0, "Run fast orientation convergence for this long after start (halfstream only)")
	cmd.Flags().StringVar(&streamMode, "stream-mode", "", "Stream layout: mixed, raw, quat, optimized, quatmag or 1-5 (regmap only)")
	cmd.Flags().IntVar(&buffering, "buffering", 0, "Samples per notification (regmap only, 0 picks the mode's maximum)")
	return cmd
}

type streamRun struct {
	env          *env
	w            *sampleWriter
	duration     time.Duration
	fastConverge time.Duration
	mutate       func(*session.Options)
}

// run streams one device until ctx ends, the duration elapses or the link drops.
func (r *streamRun) run(ctx context.Context, d config.DeviceConfig, count *atomic.Int64) error {
	lost := make(chan error, 1)
	s, err := r.env.connect(ctx, d, func(o *session.Options) {
		r.mutate(o)
		o.OnDisconnect = func(err error) {
			if err != nil {
				lost <- err
			}
		}
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	defer s.Dispose()

	log := r.env.logger.WithFields(logrus.Fields{"device": d.Name, "serial": s.Serial()})
	s.SetSink(func(samples []imu.Sample) {
		count.Add(int64(len(samples)))
		r.w.Write(d.Name, samples)
	})

	if err := s.StartStreaming(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	log.Info("Streaming")

	if r.fastConverge > 0 {
		hs, ok := s.(*session.HalfStream)
		if !ok {
			log.Warn("Fast converge is only supported by halfstream devices, ignoring")
		} else if err := hs.StartFastConverge(ctx, r.fastConverge); err != nil {
			return err
		}
	}

	var timeout <-chan time.Time
	if r.duration > 0 {
		timer := time.NewTimer(r.duration)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
	case <-timeout:
	case err := <-lost:
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), r.env.cfg.Session.CommandTimeout)
	defer cancel()
	if err := s.StopStreaming(stopCtx); err != nil {
		log.WithError(err).Warn("Failed to stop streaming")
	}
	return nil
}

// sampleWriter serializes samples of concurrent devices into one output.
type sampleWriter struct {
	mu         sync.Mutex
	out        io.Writer
	format     string
	withDevice bool
	csv        *csv.Writer
	json       *json.Encoder
	err        error
}

var csvHeader = []string{"device", "time", "qw", "qx", "qy", "qz", "ax", "ay", "az", "gx", "gy", "gz", "mx", "my", "mz"}

func newSampleWriter(out io.Writer, format string, withDevice bool) *sampleWriter {
	w := &sampleWriter{out: out, format: format, withDevice: withDevice}
	switch format {
	case "csv":
		w.csv = csv.NewWriter(out)
		w.err = w.csv.Write(csvHeader)
	case "json":
		w.json = json.NewEncoder(out)
	}
	return w
}

type sampleRecord struct {
	Device string `json:"device"`
	imu.Sample
}

// Write emits one batch. The first write error is kept and later writes are skipped.
func (w *sampleWriter) Write(device string, samples []imu.Sample) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return
	}
	for _, s := range samples {
		switch w.format {
		case "csv":
			w.err = w.csv.Write(csvRow(device, s))
		case "json":
			w.err = w.json.Encode(sampleRecord{Device: device, Sample: s})
		default:
			if w.withDevice {
				_, w.err = fmt.Fprintf(w.out, "%s %s\n", device, s)
			} else {
				_, w.err = fmt.Fprintln(w.out, s)
			}
		}
		if w.err != nil {
			return
		}
	}
	if w.csv != nil {
		w.csv.Flush()
		w.err = w.csv.Error()
	}
}

// Flush returns the first write error.
func (w *sampleWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.csv != nil && w.err == nil {
		w.csv.Flush()
		w.err = w.csv.Error()
	}
	return w.err
}

func csvRow(device string, s imu.Sample) []string {
	ff := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	vec := func(v *imu.Xyz) []string {
		if v == nil {
			return []string{"", "", ""}
		}
		return []string{ff(v.X), ff(v.Y), ff(v.Z)}
	}
	q := s.Quaternion
	row := []string{device, ff(s.Time), ff(q.W), ff(q.X), ff(q.Y), ff(q.Z)}
	row = append(row, vec(s.Accelerometer)...)
	row = append(row, vec(s.Gyroscope)...)
	return append(row, vec(s.Magnetometer)...)
}
