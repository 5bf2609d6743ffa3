package contracts

import (
	"context"
	"errors"
	"testing"

	"github.com/KimJeHyun91/observer-pro-sub005/api/dispatch"
)

func TestStaticAdapterDefaultValidates(t *testing.T) {
	t.Parallel()

	adapter := StaticAdapter{DeviceKind: dispatch.KindGate}
	if adapter.Kind() != dispatch.KindGate {
		t.Fatalf("unexpected kind %q", adapter.Kind())
	}
	err := adapter.Execute(context.Background(), Command{
		Target:  dispatch.DeviceTarget{Address: "10.0.0.9", Kind: dispatch.KindGate},
		Payload: dispatch.NewCommandSignal(dispatch.SignalOpen),
	})
	if err != nil {
		t.Fatalf("unexpected execute error: %v", err)
	}
	if err := adapter.Execute(context.Background(), Command{Payload: dispatch.NewCommandSignal(dispatch.SignalOpen)}); err == nil {
		t.Fatalf("expected missing address to fail validation")
	}
}

func TestWithStepKeepsInnermostStep(t *testing.T) {
	t.Parallel()

	err := WithStep("upload", errors.New("connection refused"))
	if err.Error() != "upload: connection refused" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if wrapped := WithStep("play", err); wrapped.Error() != "upload: connection refused" {
		t.Fatalf("expected existing step to be preserved, got %q", wrapped.Error())
	}
	if WithStep("play", nil) != nil {
		t.Fatalf("expected nil passthrough")
	}
	if got := Failf("", "status %d", 500).Error(); got != "status 500" {
		t.Fatalf("unexpected stepless message %q", got)
	}
}
