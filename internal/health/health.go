// Package health отдаёт состояние сервиса по HTTP и через gRPC health service.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vladislavdragonenkov/inventory/internal/domain"
)

const defaultCheckTimeout = 2 * time.Second

// Status представляет статус компонента
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// Check представляет проверку здоровья компонента
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Response представляет ответ health check
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Checker проверяет один компонент. Реализация обязана уважать ctx.
type Checker interface {
	Check(ctx context.Context) Check
}

// Handler агрегирует проверки компонентов.
type Handler struct {
	mu        sync.RWMutex
	checkers  map[string]Checker
	version   string
	startTime time.Time
	timeout   time.Duration
}

// NewHandler создаёт новый health handler
func NewHandler(version string) *Handler {
	return &Handler{
		checkers:  make(map[string]Checker),
		version:   version,
		startTime: time.Now(),
		timeout:   defaultCheckTimeout,
	}
}

// RegisterChecker регистрирует проверку компонента
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

// Evaluate выполняет все проверки с общим таймаутом.
func (h *Handler) Evaluate(ctx context.Context) Response {
	h.mu.RLock()
	names := make([]string, 0, len(h.checkers))
	checkers := make(map[string]Checker, len(h.checkers))
	for name, checker := range h.checkers {
		names = append(names, name)
		checkers[name] = checker
	}
	h.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	checks := make(map[string]Check, len(names))
	overall := StatusHealthy
	for _, name := range names {
		check := checkers[name].Check(ctx)
		checks[name] = check
		switch {
		case check.Status == StatusUnhealthy:
			overall = StatusUnhealthy
		case check.Status == StatusDegraded && overall == StatusHealthy:
			overall = StatusDegraded
		}
	}

	return Response{
		Status:        overall,
		Timestamp:     time.Now(),
		Checks:        checks,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}
}

// ServeHTTP отвечает 503 только на unhealthy; degraded остаётся 200.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	response := h.Evaluate(r.Context())

	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// LivenessHandler простой liveness probe (всегда возвращает 200)
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// SyncGRPC переводит gRPC health service в NOT_SERVING, пока проверки unhealthy.
// Блокируется до отмены ctx.
func (h *Handler) SyncGRPC(ctx context.Context, server *grpchealth.Server, service string, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	update := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if h.Evaluate(ctx).Status == StatusUnhealthy {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		server.SetServingStatus(service, status)
		server.SetServingStatus("", status)
	}

	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}

// CheckFunc адаптирует функцию к Checker.
type CheckFunc struct {
	name    string
	checkFn func(context.Context) error
}

// NewCheckFunc создаёт проверку: ошибка означает unhealthy.
func NewCheckFunc(name string, checkFn func(context.Context) error) *CheckFunc {
	return &CheckFunc{name: name, checkFn: checkFn}
}

// Check выполняет проверку
func (c *CheckFunc) Check(ctx context.Context) Check {
	start := time.Now()
	err := c.checkFn(ctx)
	check := Check{Name: c.name, Status: StatusHealthy, DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	return check
}

// BreakerChecker сообщает degraded, пока circuit breaker не закрыт.
type BreakerChecker struct {
	name  string
	state func() gobreaker.State
}

func NewBreakerChecker(name string, state func() gobreaker.State) *BreakerChecker {
	return &BreakerChecker{name: name, state: state}
}

func (c *BreakerChecker) Check(context.Context) Check {
	state := c.state()
	check := Check{Name: c.name, Status: StatusHealthy}
	if state != gobreaker.StateClosed {
		check.Status = StatusDegraded
		check.Message = "circuit breaker " + state.String()
	}
	return check
}

// OutboxChecker сообщает degraded, если самое старое неотправленное событие
// ждёт дольше maxAge.
type OutboxChecker struct {
	repo   domain.OutboxRepository
	maxAge time.Duration
	now    func() time.Time
}

func NewOutboxChecker(repo domain.OutboxRepository, maxAge time.Duration) *OutboxChecker {
	return &OutboxChecker{repo: repo, maxAge: maxAge, now: time.Now}
}

func (c *OutboxChecker) Check(ctx context.Context) Check {
	start := time.Now()
	stats, err := c.repo.Stats(ctx)
	check := Check{Name: "outbox", Status: StatusHealthy, DurationMs: time.Since(start).Milliseconds()}
	switch {
	case err != nil:
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	case stats.PendingCount > 0 && c.maxAge > 0 && c.now().Sub(stats.OldestPendingAt) > c.maxAge:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("%d pending events, oldest since %s", stats.PendingCount, stats.OldestPendingAt.UTC().Format(time.RFC3339))
	}
	return check
}
