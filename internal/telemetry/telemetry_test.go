package telemetry

import (
	"context"
	"testing"
)

func TestSetupNoopWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{ServiceName: "arcad-test"})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer shutdown(context.Background())

	ctx, span := StartSpan(context.Background(), "container", "Create")
	span.End()
	if ctx == nil {
		t.Fatal("StartSpan returned nil context")
	}
}
