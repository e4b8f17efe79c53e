package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name               string
		db                 Pinger
		expectedStatusCode int
		expectedStatus     Status
	}{
		{
			name:               "healthy without database",
			db:                 nil,
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok", Database: false},
		},
		{
			name:               "healthy with working database",
			db:                 stubPinger{},
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok", Database: true},
		},
		{
			name:               "unhealthy with database ping failure",
			db:                 stubPinger{err: context.DeadlineExceeded},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus:     Status{OK: false, Message: "db ping failed", Database: false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			HTTPHandler(tt.db).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			if rec.Code != tt.expectedStatusCode {
				t.Errorf("status code = %d, want %d", rec.Code, tt.expectedStatusCode)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}
			var got Status
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if got != tt.expectedStatus {
				t.Errorf("status = %+v, want %+v", got, tt.expectedStatus)
			}
		})
	}
}
