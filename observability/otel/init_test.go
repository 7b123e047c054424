package otel

import (
	"context"
	"errors"
	"testing"
)

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" api-key = secret ,broken, =nokey,tenant=lend ,")
	if len(got) != 2 || got["api-key"] != "secret" || got["tenant"] != "lend" {
		t.Fatalf("unexpected headers %v", got)
	}
}

func TestInitDisabledSignals(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "lendingd"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := Init(context.Background(), Config{ServiceName: "  "}); err == nil {
		t.Fatalf("expected missing service name rejected")
	}
}

func TestShutdownAllReportsFirstError(t *testing.T) {
	var order []int
	first := errors.New("first")
	fns := []Shutdown{
		func(context.Context) error { order = append(order, 0); return errors.New("last") },
		func(context.Context) error { order = append(order, 1); return first },
	}
	if err := shutdownAll(context.Background(), fns); !errors.Is(err, first) {
		t.Fatalf("expected first error, got %v", err)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 0 {
		t.Fatalf("providers not stopped in reverse order: %v", order)
	}
}
