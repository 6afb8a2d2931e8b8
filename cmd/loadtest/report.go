package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
)

// expectedCodes — исходы, которые сервис обязан уметь отдавать под конкуренцией.
// Конфликт версии и нехватка остатка не считаются сбоем прогона.
var expectedCodes = map[codes.Code]bool{
	codes.OK:                 true,
	codes.Aborted:            true,
	codes.FailedPrecondition: true,
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type report struct {
	StartedAt       time.Time        `json:"started_at"`
	DurationSeconds float64          `json:"duration_seconds"`
	Calls           int64            `json:"calls"`
	Placed          int64            `json:"placed"`
	Expected        int64            `json:"expected_rejections"`
	Failed          int64            `json:"failed"`
	RPS             float64          `json:"rps"`
	Codes           map[string]int64 `json:"codes"`
	LatencyMs       latencySummary   `json:"latency_ms"`
	// UnitsOrdered — сумма количеств в принятых заказах.
	UnitsOrdered int64 `json:"units_ordered"`
}

type collector struct {
	mu        sync.Mutex
	codes     map[codes.Code]int64
	latencies []float64
	units     int64
}

func newCollector() *collector {
	return &collector{codes: make(map[codes.Code]int64)}
}

func (c *collector) record(latency time.Duration, code codes.Code, units int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.codes[code]++
	c.latencies = append(c.latencies, float64(latency.Microseconds())/1000.0)
	if code == codes.OK {
		c.units += units
	}
}

func (c *collector) buildReport(startedAt time.Time, duration time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		Codes:           make(map[string]int64, len(c.codes)),
		LatencyMs:       buildLatencySummary(c.latencies),
		UnitsOrdered:    c.units,
	}
	for code, count := range c.codes {
		result.Codes[code.String()] = count
		result.Calls += count
		switch {
		case code == codes.OK:
			result.Placed += count
		case expectedCodes[code]:
			result.Expected += count
		default:
			result.Failed += count
		}
	}
	if duration > 0 {
		result.RPS = float64(result.Calls) / duration.Seconds()
	}
	return result
}

func printReport(out io.Writer, result report, cfg config) {
	_, _ = fmt.Fprintln(out, "Hot-SKU load test summary")
	_, _ = fmt.Fprintf(out, "skus=%s lines=%d qty=%d retry=%t calls=%d placed=%d rejected=%d failed=%d\n",
		strings.Join(cfg.skus, ","),
		cfg.linesPerOrder,
		cfg.quantity,
		cfg.retryOnConflict,
		result.Calls,
		result.Placed,
		result.Expected,
		result.Failed,
	)
	_, _ = fmt.Fprintf(out, "duration=%.2fs rps=%.2f units_ordered=%d\n", result.DurationSeconds, result.RPS, result.UnitsOrdered)
	_, _ = fmt.Fprintf(out, "latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		result.LatencyMs.Min,
		result.LatencyMs.Avg,
		result.LatencyMs.P50,
		result.LatencyMs.P95,
		result.LatencyMs.P99,
		result.LatencyMs.Max,
	)

	names := make([]string, 0, len(result.Codes))
	for name := range result.Codes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, _ = fmt.Fprintf(out, "  %-20s %d\n", name, result.Codes[name])
	}
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- path is an explicit CLI output parameter for local load-test reports.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, value := range sorted {
		sum += value
	}

	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

// percentile интерполирует между соседними рангами отсортированной выборки.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}
