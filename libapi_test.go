package flowbus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBusExportsRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus, err := TryNewBus(&Config{ReplyTimeout: time.Second}, NewNopLogger(), ctx, BusDependencies{})
	if err != nil {
		t.Fatalf("unexpected error creating bus: %v", err)
	}
	defer func() { _ = bus.Close() }()

	type greeting struct {
		Name string `json:"name"`
	}
	reg := bus.Consumer("greeter", JSONReplier(func(_ context.Context, event JSONMessageContext[greeting]) (string, error) {
		return "hello " + event.Payload.Name, nil
	}))
	registered := make(chan error, 1)
	reg.CompletionHandler(func(err error) { registered <- err })
	if err := <-registered; err != nil {
		t.Fatalf("registration failed: %v", err)
	}

	reply, err := bus.Request(ctx, "greeter", greeting{Name: "ada"})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	var body string
	if err := reply.Decode(&body); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if body != "hello ada" {
		t.Fatalf("expected greeting, got %q", body)
	}
}

func TestConstructorExportsPropagateErrors(t *testing.T) {
	if _, err := TryNewBus(nil, NewNopLogger(), context.Background(), BusDependencies{}); !errors.Is(err, ErrConfigRequired) {
		t.Fatalf("expected config required error, got %v", err)
	}
	if _, err := TryNewBus(&Config{}, nil, context.Background(), BusDependencies{}); !errors.Is(err, ErrLoggerRequired) {
		t.Fatalf("expected logger required error, got %v", err)
	}
}

func TestDemandExports(t *testing.T) {
	if !Unbounded.IsUnbounded() {
		t.Fatal("expected Unbounded to be unbounded")
	}
	if got := Finite(2).Add(3).Count(); got != 5 {
		t.Fatalf("expected demand of 5, got %d", got)
	}
}

func TestSharedAffinityExport(t *testing.T) {
	exec := NewExecutor(nil)
	a := NewAffinity(context.Background(), exec, nil)
	if a.Executor() != exec {
		t.Fatal("expected affinity to use the supplied executor")
	}
}

func TestLoggerExports(t *testing.T) {
	logger := NewNopLogger()
	logger.Info("boot", LogFields{"component": "test"})
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	if _, err := Marshal(payload); err != nil {
		t.Fatalf("marshal alias failed: %v", err)
	}
	if _, err := MarshalIndent(payload, "", "  "); err != nil {
		t.Fatalf("marshal indent alias failed: %v", err)
	}
	if err := Unmarshal([]byte(`{"hello":"world"}`), &payload); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}
}

func TestMetadataExport(t *testing.T) {
	md := NewMetadata("key", "value")
	if md["key"] != "value" {
		t.Fatalf("expected metadata to contain key, got %#v", md)
	}
}

func TestErrorCategoryConstants(t *testing.T) {
	if ErrorCategoryNone != "none" {
		t.Fatalf("expected ErrorCategoryNone to be 'none', got %q", ErrorCategoryNone)
	}
	if ErrorCategoryValidation != "validation" {
		t.Fatalf("expected ErrorCategoryValidation to be 'validation', got %q", ErrorCategoryValidation)
	}
	if ErrorCategoryDownstream != "downstream" {
		t.Fatalf("expected ErrorCategoryDownstream to be 'downstream', got %q", ErrorCategoryDownstream)
	}
	if ErrorCategoryOther != "other" {
		t.Fatalf("expected ErrorCategoryOther to be 'other', got %q", ErrorCategoryOther)
	}
}
