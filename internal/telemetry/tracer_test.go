package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitTracerExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	if _, err := InitTracer("certd-test", "0.0.1", &buf); err != nil {
		t.Fatalf("InitTracer() error = %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "certificate.issue")
	span.End()
	ShutdownTracer(context.Background())

	out := buf.String()
	if !strings.Contains(out, "certificate.issue") {
		t.Errorf("exported spans missing span name: %s", out)
	}
	if !strings.Contains(out, "certd-test") {
		t.Errorf("exported spans missing service name: %s", out)
	}
	if TracerProvider != nil {
		t.Error("TracerProvider not cleared after shutdown")
	}

	// Safe to call again once shut down
	ShutdownTracer(context.Background())
}
