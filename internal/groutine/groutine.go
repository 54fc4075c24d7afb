// Package groutine starts named goroutines that carry a pprof label.
package groutine

import (
	"context"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
)

type ctxKey string

const nameKey ctxKey = "goroutine_name"

// Go runs fn in a new goroutine labelled with name.
// A panic in fn is logged to logger (when set) and does not take the process down.
//
//	groutine.Go(ctx, "link-watch", logger, func(ctx context.Context) {
//	    <-ch.Context().Done()
//	})
//
// If parent is nil, context.Background() is used.
func Go(parent context.Context, name string, logger *logrus.Logger, fn func(ctx context.Context)) {
	if parent == nil {
		parent = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parent, labels, func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil && logger != nil {
				logger.WithFields(logrus.Fields{
					"goroutine": name,
					"panic":     r,
				}).Error("Goroutine panicked")
			}
		}()
		fn(context.WithValue(ctx, nameKey, name))
	})
}

// Name returns the goroutine name stored by Go, or "".
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(nameKey).(string); ok {
		return v
	}
	return ""
}
