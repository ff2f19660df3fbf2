package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(pushes.WithLabelValues(PushFailed))
	AddPushes(PushFailed, 3)
	assert.Equal(t, before+3, testutil.ToFloat64(pushes.WithLabelValues(PushFailed)))

	ObserveMutation("node.create", "OK", time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(mutationsProcessed.WithLabelValues("node.create", "OK")), 1.0)

	SetConnectedDevices(4)
	assert.Equal(t, 4.0, testutil.ToFloat64(connectedDevices))
}

func TestHandlerExposesNamespace(t *testing.T) {
	IncReconnect()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "nodesync_client_reconnects_total")
}
