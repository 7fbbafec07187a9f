package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/store"
	"github.com/xraph/beacon/store/memory"
	"github.com/xraph/beacon/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return memory.New()
	})
}

func TestClosedStore(t *testing.T) {
	s := memory.New()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Ping(context.Background()); !errors.Is(err, beacon.ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
	if _, err := s.ClearQueue(context.Background()); !errors.Is(err, beacon.ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
}
