package testutils

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
	// Hook captures every entry written to Logger.
	Hook *test.Hook
}

// NewTestHelper creates a test helper with a debug-level logger whose entries are captured by Hook.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	hook := test.NewLocal(logger)
	return &TestHelper{
		T:      t,
		Logger: logger,
		Hook:   hook,
	}
}

// Entries returns the captured entries at or above level whose message equals msg.
func (h *TestHelper) Entries(level logrus.Level, msg string) []*logrus.Entry {
	var out []*logrus.Entry
	for _, e := range h.Hook.AllEntries() {
		if e.Level <= level && e.Message == msg {
			out = append(out, e)
		}
	}
	return out
}
