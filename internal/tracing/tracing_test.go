package tracing

import (
	"context"
	"errors"
	"testing"
)

func TestInitWithEmptyEndpointIsNoopShutdown(t *testing.T) {
	shutdown, err := Init(context.Background(), "cvmforge", "")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestStagePropagatesSuccess(t *testing.T) {
	called := false
	err := Stage(context.Background(), "test-stage", nil, func(ctx context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if !called {
		t.Fatal("Stage did not invoke fn")
	}
}

func TestStagePropagatesError(t *testing.T) {
	want := errors.New("boom")
	err := Stage(context.Background(), "test-stage", nil, func(ctx context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("Stage: got %v, want %v", err, want)
	}
}
