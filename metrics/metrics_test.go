package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	before := testutil.ToFloat64(eventsPublished.WithLabelValues("prompt.created", OutcomeSent))
	RecordPublished("prompt.created", OutcomeSent)
	assert.Equal(t, before+1, testutil.ToFloat64(eventsPublished.WithLabelValues("prompt.created", OutcomeSent)))

	before = testutil.ToFloat64(eventsConsumed.WithLabelValues("g", "prompt.viewed", OutcomeDeadLetter))
	RecordConsumed("g", "prompt.viewed", OutcomeDeadLetter)
	assert.Equal(t, before+1, testutil.ToFloat64(eventsConsumed.WithLabelValues("g", "prompt.viewed", OutcomeDeadLetter)))

	SetSpoolDepth(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(spoolDepth))

	ObserveProjection("user.registered", 3*time.Millisecond)
}

func TestMiddlewareAndHandler(t *testing.T) {
	e := echo.New()
	e.Use(Middleware())
	e.GET("/ping/:id", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })
	e.GET("/metrics", echo.WrapHandler(Handler()))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping/1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `promptforge_http_requests_total{method="GET",path="/ping/:id",status="200"}`))
}
