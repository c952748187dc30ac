package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hapiai/lmslink/internal/core"
)

func TestCodeForKind(t *testing.T) {
	cases := map[core.ErrorKind]string{
		core.KindAuthentication: CodeUnauthorized,
		core.KindAuthorization:  CodeForbidden,
		core.KindNotFound:       CodeNotFound,
		core.KindRateLimit:      CodeRateLimited,
		core.KindServer:         CodeExternalService,
		core.KindNetwork:        CodeNetwork,
		core.KindValidation:     CodeValidation,
		core.KindCircuitOpen:    CodeCircuitOpen,
		core.KindInternal:       CodeInternal,
		core.ErrorKind("bogus"): CodeInternal,
	}
	for kind, code := range cases {
		assert.Equal(t, code, CodeForKind(kind), "kind %s", kind)
	}
}

func TestHTTPStatusFromCode(t *testing.T) {
	cases := map[string]int{
		CodeValidation:       http.StatusBadRequest,
		CodeUnauthorized:     http.StatusUnauthorized,
		CodeForbidden:        http.StatusForbidden,
		CodeNotFound:         http.StatusNotFound,
		CodeMethodNotAllowed: http.StatusMethodNotAllowed,
		CodeRateLimited:      http.StatusTooManyRequests,
		CodeExternalService:  http.StatusBadGateway,
		CodeNetwork:          http.StatusBadGateway,
		CodeCircuitOpen:      http.StatusServiceUnavailable,
		CodeUnavailable:      http.StatusServiceUnavailable,
		CodeInternal:         http.StatusInternalServerError,
		"SOMETHING_ELSE":     http.StatusInternalServerError,
	}
	for code, status := range cases {
		assert.Equal(t, status, HTTPStatusFromCode(code), "code %s", code)
	}
	assert.Equal(t, http.StatusInternalServerError, HTTPStatusFromEnvelope(nil))
}

func TestFromAPIError(t *testing.T) {
	assert.Nil(t, FromAPIError(context.Background(), nil))

	apiErr := &core.APIError{
		Kind:       core.KindRateLimit,
		Message:    "rate limit exceeded",
		StatusCode: http.StatusTooManyRequests,
		RetryAfter: 3 * time.Second,
	}
	envelope := FromAPIError(context.Background(), fmt.Errorf("list courses: %w", apiErr))
	require.NotNil(t, envelope)
	assert.Equal(t, CodeRateLimited, envelope.Code)
	assert.Equal(t, "rate limit exceeded", envelope.Message)
	assert.NotEmpty(t, envelope.CorrelationID)
	assert.Equal(t, "rate_limit", envelope.Context["kind"])
	assert.EqualValues(t, http.StatusTooManyRequests, envelope.Context["upstream_status"])
	assert.InDelta(t, 3.0, envelope.Context["retry_after_seconds"], 0.001)

	plain := FromAPIError(context.Background(), stderrors.New("boom"))
	require.NotNil(t, plain)
	assert.Equal(t, CodeInternal, plain.Code)
	assert.Equal(t, errors.SeverityHigh, plain.Severity)
}

func TestEnsureEnvelope(t *testing.T) {
	env := EnsureEnvelope(nil)
	assert.Equal(t, CodeInternal, env.Code)

	existing := NewNotFoundError("missing")
	assert.Same(t, existing, EnsureEnvelope(existing))

	fromAPI := EnsureEnvelope(core.NewError(core.KindAuthentication, "no credential", nil))
	assert.Equal(t, CodeUnauthorized, fromAPI.Code)

	generic := EnsureEnvelope(stderrors.New("kaboom"))
	assert.Equal(t, CodeInternal, generic.Code)
	assert.Equal(t, "kaboom", generic.Context["wrapped_error"])
}

func TestRespondWithErrorSetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/canvas/courses", nil)

	RespondWithError(rec, req, core.ErrCircuitOpen(1500*time.Millisecond))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, CodeCircuitOpen, body.Error.Code)
	assert.NotEmpty(t, body.Error.RequestID)
	assert.Equal(t, "circuit_open", body.Error.Details["kind"])
}
