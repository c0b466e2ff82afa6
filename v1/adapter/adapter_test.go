package adapter_test

import (
	"context"
	"testing"

	"github.com/mirkobrombin/go-warden/v1/adapter"
)

func TestInMemoryStoreGetSetDeleteKeys(t *testing.T) {
	s := adapter.NewInMemoryStore[string]()
	ctx := context.Background()
	if _, ok, err := s.Get(ctx, "foo"); err != nil || ok {
		t.Fatalf("Get: expected not found, got ok=%v err=%v", ok, err)
	}
	if err := s.Set(ctx, "foo", "bar"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "baz", "qux"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, ok, err := s.Get(ctx, "foo"); err != nil || !ok || v != "bar" {
		t.Fatalf("Get: expected bar, got %v ok=%v err=%v", v, ok, err)
	}
	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "baz" || keys[1] != "foo" {
		t.Fatalf("Keys: expected [baz foo], got %v", keys)
	}
	if err := s.Delete(ctx, "foo"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "missing"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "foo"); ok {
		t.Fatal("Delete: key still present")
	}
}

func TestInMemoryStoreCanceledContext(t *testing.T) {
	s := adapter.NewInMemoryStore[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Set(ctx, "a", 1); err == nil {
		t.Fatal("expected context error")
	}
	if _, _, err := s.Get(ctx, "a"); err == nil {
		t.Fatal("expected context error")
	}
}
