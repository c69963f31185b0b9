package metrics

import (
	"testing"
)

func TestMetricsRegistered(t *testing.T) {
	// Register metrics explicitly (replaces former init() auto-registration).
	Register()

	// Verify that calling Inc/Set/Observe on metrics does not panic.
	HTTPRequestsTotal.WithLabelValues("GET", "/health", "200").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/health").Observe(0.001)

	ExtentAppendsTotal.Inc()
	ExtentAppendBytes.Observe(1024)
	ExtentReadsTotal.Inc()
	ExtentCatalogSize.Set(42)

	GCSweepsTotal.Inc()
	GCExtentsScannedTotal.Add(10)
	GCExtentsDeletedTotal.Add(2)
	GCBytesReclaimedTotal.Add(4096)
}

func TestRegisterIdempotent(t *testing.T) {
	Register()
	Register()
}
