package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestObserveRenderAndBytes(t *testing.T) {
	renders := prerenderRendersTotal.WithLabelValues("metrics-render.test", "success")
	before := testutil.ToFloat64(renders)
	ObserveRender("https://Metrics-Render.test/page", "success", 1500*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(renders))

	bytes := prerenderBytesSentTotal.WithLabelValues("metrics-bytes.test")
	beforeBytes := testutil.ToFloat64(bytes)
	ObserveBytesSent("https://metrics-bytes.test/", 1200)
	ObserveBytesSent("https://metrics-bytes.test/", 0)
	assert.Equal(t, beforeBytes+1200, testutil.ToFloat64(bytes))
}

func TestCountersAndGauge(t *testing.T) {
	lookups := prerenderCacheLookupsTotal.WithLabelValues("unreadable")
	before := testutil.ToFloat64(lookups)
	ObserveLookup("unreadable")
	assert.Equal(t, before+1, testutil.ToFloat64(lookups))

	coalesced := testutil.ToFloat64(prerenderCoalescedTotal)
	ObserveCoalesced()
	assert.Equal(t, coalesced+1, testutil.ToFloat64(prerenderCoalescedTotal))

	active := testutil.ToFloat64(prerenderActiveRenders)
	IncActiveRenders()
	assert.Equal(t, active+1, testutil.ToFloat64(prerenderActiveRenders))
	DecActiveRenders()
	assert.Equal(t, active, testutil.ToFloat64(prerenderActiveRenders))
}

func TestMiddleware(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/render-ok", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/render-bad", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	ok := httpRequestsTotal.WithLabelValues("GET", "200")
	bad := httpRequestsTotal.WithLabelValues("GET", "502")
	okBefore, badBefore := testutil.ToFloat64(ok), testutil.ToFloat64(bad)

	for _, path := range []string{"/render-ok", "/render-bad"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, okBefore+1, testutil.ToFloat64(ok))
	assert.Equal(t, badBefore+1, testutil.ToFloat64(bad))
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
