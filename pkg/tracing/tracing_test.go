package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/psantana5/trailscan/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsUsable(t *testing.T) {
	p, err := InitTracer(Config{ServiceName: "trailscan-test"}, logging.Nop())
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	ctx, span := p.StartSpan(context.Background(), "analyze")
	AddEvent(ctx, "stage")
	SetError(ctx, errors.New("boom"))
	span.End()
}

func TestMiddlewarePreservesFlusher(t *testing.T) {
	p, err := InitTracer(Config{ServiceName: "trailscan-test"}, logging.Nop())
	require.NoError(t, err)

	r := mux.NewRouter()
	r.Use(HTTPMiddleware(p))

	flushable := false
	r.HandleFunc("/jobs/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		_, flushable = w.(http.Flusher)
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/abc/events", nil))

	assert.True(t, flushable)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
