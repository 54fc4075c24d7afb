package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/imulink/internal/protocol"
)

func TestReason(t *testing.T) {
	assert.Equal(t, ReasonMalformed, Reason(protocol.Malformedf("short frame")))
	assert.Equal(t, ReasonUnknown, Reason(fmt.Errorf("decode: %w", protocol.Unknownf("opcode 9"))))
	assert.Equal(t, ReasonOther, Reason(errors.New("boom")))
}

func TestStartHTTP(t *testing.T) {
	logger := logrus.New()
	srv := StartHTTP("127.0.0.1:0", logger)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	before := testutil.ToFloat64(FramesDecoded.WithLabelValues("textline"))
	FramesDecoded.WithLabelValues("textline").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(FramesDecoded.WithLabelValues("textline")))

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `imulink_frames_decoded_total{technology="textline"}`, "registered counters MUST be exported")
}
