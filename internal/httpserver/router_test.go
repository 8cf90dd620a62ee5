package httpserver

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap/zaptest"

	"recsys-proxy-cache/internal/backend"
	"recsys-proxy-cache/internal/cache"
	"recsys-proxy-cache/internal/fingerprint"
	"recsys-proxy-cache/internal/handlers"
	"recsys-proxy-cache/internal/scoring"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newRouter(t *testing.T, scorer backend.Scorer, opts Options) *chi.Mux {
	t.Helper()
	logger := zaptest.NewLogger(t)

	enc, err := fingerprint.NewEncoder(nil, fingerprint.DefaultLimits)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	sc := cache.NewScoreCache(cache.Options{Shards: 4})
	t.Cleanup(func() { _ = sc.Close() })
	coord := scoring.New(enc, sc, nil, backend.NewInvoker(scorer, logger), scoring.Config{}, logger)
	t.Cleanup(func() { _ = coord.Close(context.Background()) })

	r := chi.NewRouter()
	SetupRouter(r, logger, handlers.NewScoreHandler(coord), opts)
	return r
}

func post(r http.Handler, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/scores", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func TestRouterScores(t *testing.T) {
	r := newRouter(t, backend.RandomScorer{}, Options{RequestTimeout: time.Second})

	rr := post(r, `{"model_name":"random","items":[5,5,9]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected content type %q", rr.Header().Get("Content-Type"))
	}
}

func TestRouterRequestTimeoutIs504(t *testing.T) {
	slow := backend.ScorerFunc(func(ctx context.Context, req *backend.Request) ([]float64, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r := newRouter(t, slow, Options{RequestTimeout: 20 * time.Millisecond})

	rr := post(r, `{"model_name":"m","items":[1]}`)
	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestRouterBodyLimit(t *testing.T) {
	r := newRouter(t, backend.RandomScorer{}, Options{MaxBodyBytes: 16})

	rr := post(r, `{"model_name":"random","items":[1,2,3,4,5,6,7,8]}`)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
}

func TestRouterRateLimit(t *testing.T) {
	r := newRouter(t, backend.RandomScorer{}, Options{RateLimitRequests: 2, RateLimitWindow: time.Minute})

	body := `{"model_name":"random","items":[1]}`
	for i := 0; i < 2; i++ {
		if rr := post(r, body, "X-Client-ID", "a"); rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rr.Code)
		}
	}
	if rr := post(r, body, "X-Client-ID", "a"); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr := post(r, body, "X-Client-ID", "b"); rr.Code != http.StatusOK {
		t.Fatalf("other client must not be limited, got %d", rr.Code)
	}
}

func TestRouterHealthAndReadiness(t *testing.T) {
	var fail bool
	ready := pingFunc(func(context.Context) error {
		if fail {
			return errors.New("redis: connection refused")
		}
		return nil
	})
	r := newRouter(t, backend.RandomScorer{}, Options{Ready: ready})

	get := func(path string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		return rr
	}

	if rr := get("/healthz"); rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("unexpected healthz: %d %q", rr.Code, rr.Body.String())
	}
	if rr := get("/readyz"); rr.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rr.Code)
	}
	fail = true
	if rr := get("/readyz"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when store is down, got %d", rr.Code)
	}
	if rr := get("/metrics"); rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Fatalf("unexpected metrics response: %d", rr.Code)
	}
}
