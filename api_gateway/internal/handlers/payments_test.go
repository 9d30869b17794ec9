package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/georgiangelov2000/payments-microservices/api_gateway/internal/auth"
	"github.com/georgiangelov2000/payments-microservices/api_gateway/internal/breaker"
	"github.com/georgiangelov2000/payments-microservices/api_gateway/internal/credcache"
	"github.com/georgiangelov2000/payments-microservices/api_gateway/internal/proxy"
	"github.com/georgiangelov2000/payments-microservices/api_gateway/internal/quota"
	"github.com/georgiangelov2000/payments-microservices/api_gateway/internal/store"
	"github.com/georgiangelov2000/payments-microservices/pkg/middleware"
	"github.com/georgiangelov2000/payments-microservices/pkg/monitoring"
	"github.com/georgiangelov2000/payments-microservices/pkg/server"
	"github.com/georgiangelov2000/payments-microservices/pkg/usage"
)

const testKey = "pk_live_test"

type capturePublisher struct {
	mu     sync.Mutex
	events []usage.Event
}

func (p *capturePublisher) Publish(_ context.Context, e usage.Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *capturePublisher) all() []usage.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]usage.Event(nil), p.events...)
}

type upstreamCall struct {
	method   string
	path     string
	merchant string
	body     map[string]any
}

type gateway struct {
	router   *gin.Engine
	mr       *miniredis.Miniredis
	breaker  *breaker.Breaker
	pub      *capturePublisher
	calls    chan upstreamCall
	attempts *atomic.Int32
	// hang makes the upstream stall past the proxy timeout.
	hang   *atomic.Bool
	status *atomic.Int32
}

func newGateway(t *testing.T, total, used int64) *gateway {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	mock.ExpectQuery(`FROM merchant_api_keys`).
		WillReturnRows(sqlmock.NewRows([]string{"merchant_id", "id", "tokens", "used_tokens"}).AddRow(7, 42, total, used))

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	g := &gateway{
		mr:       mr,
		pub:      &capturePublisher{},
		calls:    make(chan upstreamCall, 16),
		attempts: &atomic.Int32{},
		hang:     &atomic.Bool{},
		status:   &atomic.Int32{},
	}
	g.status.Store(http.StatusCreated)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.attempts.Add(1)
		if g.hang.Load() {
			<-r.Context().Done()
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		g.calls <- upstreamCall{method: r.Method, path: r.URL.Path, merchant: r.Header.Get(proxy.HeaderMerchantID), body: body}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(g.status.Load()))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(upstream.Close)

	st := store.New(db)
	enforcer := quota.NewEnforcer(rdb, st, g.pub, 24*time.Hour, nil)
	authn := auth.NewAuthenticator(auth.Config{
		Cache:   credcache.New(rdb, 300*time.Second, 60*time.Second),
		Store:   st,
		Seeder:  enforcer,
		Timeout: time.Second,
		Logger:  logger,
	})
	g.breaker = breaker.New(rdb, breaker.Config{Threshold: 5, OpenTTL: 30 * time.Second}, breaker.NewMetrics(prometheus.NewRegistry()), logger)
	upstreamProxy, err := proxy.New(upstream.URL, 100*time.Millisecond, logger)
	if err != nil {
		t.Fatal(err)
	}

	g.router = server.SetupServiceRouter(logger, "gateway", nil, nil)
	RegisterRoutes(g.router, Routes{
		Auth:         authn,
		Payments:     NewPaymentsHandlers(enforcer, g.breaker, upstreamProxy, time.Second, logger),
		MaxBodyBytes: 1024,
		Logger:       logger,
	})
	return g
}

func (g *gateway) do(method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set(auth.HeaderAPIKey, testKey)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	g.router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body middleware.ErrorBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body not JSON: %s", w.Body.String())
	}
	if body.RequestID == "" {
		t.Fatalf("error body without request id: %s", w.Body.String())
	}
	return body.Error
}

func (g *gateway) counter(t *testing.T) string {
	t.Helper()
	v, err := g.mr.Get(quota.CounterKey(42))
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	return v
}

func TestCreatePaymentInjectsContextAndPublishes(t *testing.T) {
	g := newGateway(t, 10, 3)

	w := g.do(http.MethodPost, "/api/v1/payments", `{"amount":1999,"currency":"EUR","subscription_id":1}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", w.Code, w.Body.String())
	}
	if w.Header().Get(middleware.HeaderRequestID) == "" {
		t.Fatal("missing X-Request-ID")
	}

	call := <-g.calls
	if call.path != "/api/v1/payments" || call.merchant != "7" {
		t.Fatalf("unexpected upstream call %+v", call)
	}
	if call.body["subscription_id"] != float64(42) || call.body["amount"] != float64(1999) {
		t.Fatalf("body not rewritten: %v", call.body)
	}

	events := g.pub.all()
	if len(events) != 1 {
		t.Fatalf("expected exactly one usage event, got %d", len(events))
	}
	if call.body["event_id"] != events[0].EventID {
		t.Fatalf("injected event id %v does not match usage event %s", call.body["event_id"], events[0].EventID)
	}
	if events[0].MerchantID != 7 || events[0].SubscriptionID != 42 || events[0].Amount != 1 {
		t.Fatalf("unexpected event %+v", events[0])
	}
	if got := g.counter(t); got != "6" {
		t.Fatalf("expected 6 tokens left, got %s", got)
	}
}

func TestCreatePaymentQuotaExceeded(t *testing.T) {
	g := newGateway(t, 5, 5)

	w := g.do(http.MethodPost, "/api/v1/payments", `{"amount":1}`)
	if w.Code != http.StatusTooManyRequests || errorCode(t, w) != "quota_exceeded" {
		t.Fatalf("expected 429 quota_exceeded, got %d %s", w.Code, w.Body.String())
	}
	if g.attempts.Load() != 0 || len(g.pub.all()) != 0 {
		t.Fatal("rejected request must not reach upstream or publish")
	}
	if got := g.counter(t); got != "0" {
		t.Fatalf("counter must stay at 0, got %s", got)
	}
}

func TestCreatePaymentInvalidBodyKeepsToken(t *testing.T) {
	g := newGateway(t, 10, 0)

	w := g.do(http.MethodPost, "/api/v1/payments", `[1,2,3]`)
	if w.Code != http.StatusBadRequest || errorCode(t, w) != "invalid_body" {
		t.Fatalf("expected 400 invalid_body, got %d %s", w.Code, w.Body.String())
	}
	if got := g.counter(t); got != "10" {
		t.Fatalf("invalid body must not consume a token, counter %s", got)
	}
}

func TestCreatePaymentTooLarge(t *testing.T) {
	g := newGateway(t, 10, 0)
	w := g.do(http.MethodPost, "/api/v1/payments", `{"note":"`+strings.Repeat("x", 2048)+`"}`)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
}

func TestMissingKeyUnauthorized(t *testing.T) {
	g := newGateway(t, 10, 0)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/payments", nil)
	w := httptest.NewRecorder()
	g.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized || errorCode(t, w) != "unauthorized" {
		t.Fatalf("expected 401 unauthorized, got %d %s", w.Code, w.Body.String())
	}
}

func TestGetRoutesAreNotMetered(t *testing.T) {
	g := newGateway(t, 10, 0)
	g.status.Store(http.StatusOK)

	for _, path := range []string{"/api/v1/payments?page=2", "/api/v1/payments/5/show", "/api/v1/payments/5/tracking"} {
		w := g.do(http.MethodGet, path, "")
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, w.Code)
		}
		if call := <-g.calls; call.method != http.MethodGet || call.merchant != "7" {
			t.Fatalf("%s: unexpected upstream call %+v", path, call)
		}
	}
	if got := g.counter(t); got != "10" {
		t.Fatalf("GETs must not consume tokens, counter %s", got)
	}
	if len(g.pub.all()) != 0 {
		t.Fatal("GETs must not publish usage")
	}
}

func TestUpstreamErrorStatusDoesNotTripBreaker(t *testing.T) {
	g := newGateway(t, 100, 0)
	g.status.Store(http.StatusInternalServerError)

	for i := 0; i < 6; i++ {
		if w := g.do(http.MethodGet, "/api/v1/payments", ""); w.Code != http.StatusInternalServerError {
			t.Fatalf("expected upstream 500 passed through, got %d", w.Code)
		}
		<-g.calls
	}
	snap, err := g.breaker.State(context.Background(), RoutePayments)
	if err != nil || snap.State != "closed" || snap.Failures != 0 {
		t.Fatalf("breaker should be untouched: %+v %v", snap, err)
	}
}

// Five upstream timeouts open the circuit; the sixth call never leaves the
// gateway; once the open TTL passes the next call reaches upstream again.
func TestTimeoutsOpenCircuitThenRecover(t *testing.T) {
	g := newGateway(t, 100, 0)
	g.hang.Store(true)

	for i := 0; i < 5; i++ {
		w := g.do(http.MethodGet, "/api/v1/payments", "")
		if w.Code != http.StatusBadGateway || errorCode(t, w) != "payments_unreachable" {
			t.Fatalf("call %d: expected 502 payments_unreachable, got %d %s", i+1, w.Code, w.Body.String())
		}
	}
	if got := g.attempts.Load(); got != 5 {
		t.Fatalf("expected 5 upstream attempts, got %d", got)
	}

	w := g.do(http.MethodGet, "/api/v1/payments", "")
	if w.Code != http.StatusServiceUnavailable || errorCode(t, w) != "payments_unavailable" {
		t.Fatalf("expected 503 payments_unavailable, got %d %s", w.Code, w.Body.String())
	}
	if got := g.attempts.Load(); got != 5 {
		t.Fatalf("open circuit must not contact upstream, attempts %d", got)
	}

	g.mr.FastForward(30 * time.Second)
	g.hang.Store(false)
	g.status.Store(http.StatusOK)
	if w := g.do(http.MethodGet, "/api/v1/payments", ""); w.Code != http.StatusOK {
		t.Fatalf("expected upstream reached after TTL, got %d", w.Code)
	}
	<-g.calls
	if got := g.attempts.Load(); got != 6 {
		t.Fatalf("expected a sixth upstream attempt, got %d", got)
	}
}

func TestOpenCircuitKeepsConsumedToken(t *testing.T) {
	g := newGateway(t, 10, 0)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := g.breaker.RecordFailure(ctx, RoutePayments); err != nil {
			t.Fatal(err)
		}
	}

	w := g.do(http.MethodPost, "/api/v1/payments", `{"amount":1}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if got := g.counter(t); got != "9" {
		t.Fatalf("token should stay consumed, counter %s", got)
	}
	if len(g.pub.all()) != 1 {
		t.Fatal("consumed token must still be published")
	}
}

type stubBreakerState struct {
	snap breaker.Snapshot
	err  error
}

func (s stubBreakerState) State(context.Context, string) (breaker.Snapshot, error) {
	return s.snap, s.err
}

type stubPublisher bool

func (s stubPublisher) Available() bool { return bool(s) }

func TestHealthChecks(t *testing.T) {
	ok := monitoring.PingerFunc(func(context.Context) error { return nil })
	down := monitoring.PingerFunc(func(context.Context) error { return errors.New("refused") })
	closed := stubBreakerState{snap: breaker.Snapshot{State: "closed"}}
	open := stubBreakerState{snap: breaker.Snapshot{State: "open", OpenUntil: time.Now().Add(time.Minute)}}

	tests := []struct {
		name string
		deps HealthDeps
		want string
	}{
		{name: "all good", deps: HealthDeps{Redis: ok, Database: ok, Breaker: closed, Publisher: stubPublisher(true)}, want: monitoring.StatusHealthy},
		{name: "breaker open", deps: HealthDeps{Redis: ok, Database: ok, Breaker: open, Publisher: stubPublisher(true)}, want: monitoring.StatusDegraded},
		{name: "kafka down", deps: HealthDeps{Redis: ok, Database: ok, Breaker: closed, Publisher: stubPublisher(false)}, want: monitoring.StatusDegraded},
		{name: "database down", deps: HealthDeps{Redis: ok, Database: down, Breaker: open}, want: monitoring.StatusUnhealthy},
		{name: "redis down", deps: HealthDeps{Redis: down, Database: ok}, want: monitoring.StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := monitoring.NewHealthChecker("gateway", "test")
			RegisterHealthChecks(hc, tt.deps)
			if got := hc.CheckHealth().Status; got != tt.want {
				t.Fatalf("status = %s, want %s", got, tt.want)
			}
		})
	}
}
