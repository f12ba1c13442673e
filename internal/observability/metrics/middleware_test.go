package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPMiddlewareRecordsRequests(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/video/movies/clip.mp4", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if got := testutil.ToFloat64(recorder.requests.WithLabelValues("GET", "/video/:path", "418")); got != 1 {
		t.Fatalf("expected one recorded request, got %v", got)
	}
}

func TestSetDefaultReplacesRecorder(t *testing.T) {
	original := Default()
	t.Cleanup(func() {
		SetDefault(original)
	})

	fresh := New()
	SetDefault(fresh)
	SetDefault(nil)

	ObserveRequest("POST", "/verify-secret", http.StatusOK, 0)

	if got := testutil.ToFloat64(fresh.requests.WithLabelValues("POST", "/verify-secret", "200")); got != 1 {
		t.Fatalf("expected default recorder to receive the request, got %v", got)
	}
}

func TestResponseRecorderCountsBytesAndFirstStatus(t *testing.T) {
	rr := NewResponseRecorder(httptest.NewRecorder())

	rr.WriteHeader(http.StatusPartialContent)
	rr.WriteHeader(http.StatusInternalServerError)
	if _, err := rr.Write([]byte("hello")); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if _, err := rr.ReadFrom(strings.NewReader(" world")); err != nil {
		t.Fatalf("ReadFrom returned error: %v", err)
	}

	if rr.Status() != http.StatusPartialContent {
		t.Fatalf("expected status 206, got %d", rr.Status())
	}
	if rr.BytesWritten() != 11 {
		t.Fatalf("expected 11 bytes, got %d", rr.BytesWritten())
	}
}
