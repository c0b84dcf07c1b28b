// ABOUTME: Tests for the HTTP auth middleware
// ABOUTME: Covers header and query tokens, rejections, and session scoping

package auth

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestMux(t *testing.T, verifier TokenVerifier) (*http.ServeMux, *string) {
	t.Helper()
	var subject string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c := FromContext(r.Context()); c != nil {
			subject = c.Subject
		}
		w.WriteHeader(http.StatusOK)
	})

	mux := http.NewServeMux()
	mux.Handle("/ws/chat/{session_id}", HTTPAuthMiddleware(verifier, slog.New(slog.DiscardHandler))(handler))
	return mux, &subject
}

func TestHTTPAuthMiddleware(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)
	anySession, _ := verifier.Generate("alice", "", time.Hour)
	scoped, _ := verifier.Generate("bob", "sess-1", time.Hour)
	expired, _ := verifier.Generate("carol", "", -time.Hour)

	tests := []struct {
		name        string
		path        string
		header      string
		wantStatus  int
		wantSubject string
	}{
		{name: "bearer header", path: "/ws/chat/sess-1", header: "Bearer " + anySession, wantStatus: http.StatusOK, wantSubject: "alice"},
		{name: "query token", path: "/ws/chat/sess-9?token=" + anySession, wantStatus: http.StatusOK, wantSubject: "alice"},
		{name: "scoped token on its session", path: "/ws/chat/sess-1", header: "Bearer " + scoped, wantStatus: http.StatusOK, wantSubject: "bob"},
		{name: "scoped token on another session", path: "/ws/chat/sess-2", header: "Bearer " + scoped, wantStatus: http.StatusForbidden},
		{name: "missing token", path: "/ws/chat/sess-1", wantStatus: http.StatusUnauthorized},
		{name: "wrong scheme", path: "/ws/chat/sess-1", header: "Basic abc", wantStatus: http.StatusUnauthorized},
		{name: "empty bearer", path: "/ws/chat/sess-1", header: "Bearer ", wantStatus: http.StatusUnauthorized},
		{name: "expired token", path: "/ws/chat/sess-1", header: "Bearer " + expired, wantStatus: http.StatusUnauthorized},
		{name: "garbage token", path: "/ws/chat/sess-1?token=garbage", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux, subject := newTestMux(t, verifier)
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			mux.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %q)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if *subject != tt.wantSubject {
				t.Errorf("subject = %q, want %q", *subject, tt.wantSubject)
			}
		})
	}
}
