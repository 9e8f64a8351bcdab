package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Meter returns a meter for the given package.
func Meter(pkg string) metric.Meter {
	return otel.Meter(pkg)
}

// Counter registers an Int64Counter on m. If registration fails (duplicate
// name with a different kind, invalid name) a ".fallback" counter is returned
// so callers never hold a nil instrument.
func Counter(m metric.Meter, name, description string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		c, _ = m.Int64Counter(name + ".fallback")
	}
	return c
}
