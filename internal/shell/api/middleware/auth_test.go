package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestRequireToken(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		headers map[string]string
		want    int
		code    string
	}{
		{"disabled", "", nil, http.StatusNoContent, ""},
		{"bearer", "s3cret", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusNoContent, ""},
		{"bearer lowercase scheme", "s3cret", map[string]string{"Authorization": "bearer s3cret"}, http.StatusNoContent, ""},
		{"header", "s3cret", map[string]string{HeaderToken: "s3cret"}, http.StatusNoContent, ""},
		{"missing", "s3cret", nil, http.StatusUnauthorized, "unauthorized"},
		{"basic scheme", "s3cret", map[string]string{"Authorization": "Basic s3cret"}, http.StatusUnauthorized, "unauthorized"},
		{"wrong", "s3cret", map[string]string{"Authorization": "Bearer nope"}, http.StatusForbidden, "forbidden"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := RequireToken(tt.token, nil)(okHandler())
			req := httptest.NewRequest(http.MethodGet, "/api/v1/project", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.code != "" {
				var resp errorResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, tt.code, resp.Code)
				assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestRequireToken_LogsRejections(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	handler := RequireToken("s3cret", logger)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/up", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Contains(t, buf.String(), "unauthenticated request to control API")
	assert.Contains(t, buf.String(), "path=/api/v1/up")
}
