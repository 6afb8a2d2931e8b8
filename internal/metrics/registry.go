package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// register регистрирует коллектор. Повторная регистрация того же имени
// возвращает уже существующий коллектор: конструкторы метрик вызываются
// и из тестов, и из нескольких компонентов процесса.
func register[T prometheus.Collector](registerer prometheus.Registerer, name string, collector T) T {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	err := registerer.Register(collector)
	if err == nil {
		return collector
	}

	var alreadyRegistered prometheus.AlreadyRegisteredError
	if errors.As(err, &alreadyRegistered) {
		existing, ok := alreadyRegistered.ExistingCollector.(T)
		if !ok {
			panic(fmt.Sprintf("collector %q already registered with unexpected type", name))
		}
		return existing
	}
	panic(fmt.Sprintf("register collector %q: %v", name, err))
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	return register[prometheus.Counter](registerer, opts.Name, prometheus.NewCounter(opts))
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	return register(registerer, opts.Name, prometheus.NewCounterVec(opts, labels))
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	return register[prometheus.Gauge](registerer, opts.Name, prometheus.NewGauge(opts))
}

func registerGaugeVec(registerer prometheus.Registerer, opts prometheus.GaugeOpts, labels []string) *prometheus.GaugeVec {
	return register(registerer, opts.Name, prometheus.NewGaugeVec(opts, labels))
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	return register[prometheus.Histogram](registerer, opts.Name, prometheus.NewHistogram(opts))
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	return register(registerer, opts.Name, prometheus.NewHistogramVec(opts, labels))
}
