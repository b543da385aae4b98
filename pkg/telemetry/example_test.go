package telemetry_test

import (
	"context"
	"fmt"

	"github.com/icos-project/polman/pkg/telemetry"
)

// Example_eventPublishing demonstrates subscribing to policy lifecycle events.
func Example_eventPublishing() {
	cfg := telemetry.DefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.Events.EnableAsync = false

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(e telemetry.Event) {
		fmt.Printf("%s %s %s\n", e.Level, e.PolicyID, e.Type)
	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))

	_ = tel.Events.PublishPolicyEvent("registry", "p1", "cpu", "activated", nil)
	_ = tel.Events.PublishPolicyEvent("watcher", "p1", "cpu", "violated", map[string]interface{}{
		"currentValue": "600",
	})
	_ = tel.Events.PublishPolicyEvent("registry", "p2", "mem", "renderingError", nil)

	// Output:
	// warning p1 violated
	// error p2 renderingError
}

// Example_instrumentedOperation demonstrates wrapping a lifecycle operation.
func Example_instrumentedOperation() {
	tel := telemetry.Nop()

	var err error
	op := tel.StartOperation(context.Background(), "activate", "p1")
	defer func() { op.End(err) }()

	fmt.Println(op.Span.SpanContext().IsValid())

	// Output:
	// false
}
