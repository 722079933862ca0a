package cache

import (
	"errors"
	"testing"
	"time"
)

func TestStoreGetSetExpiry(t *testing.T) {
	s := New()

	if _, ok := s.Get("missing"); ok {
		t.Fatal("empty store should miss")
	}

	s.Set("k", 42, 50*time.Millisecond)
	v, ok := s.Get("k")
	if !ok || v.(int) != 42 {
		t.Fatalf("want 42, got %v ok=%v", v, ok)
	}

	time.Sleep(60 * time.Millisecond)
	if _, ok := s.Get("k"); ok {
		t.Fatal("expired entry should miss")
	}
}

func TestWith_ProducerRunsOncePerTTL(t *testing.T) {
	s := New()
	calls := 0
	producer := func() (string, error) {
		calls++
		return "value", nil
	}

	for i := 0; i < 3; i++ {
		v, err := With(s, "k", time.Minute, producer)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v != "value" {
			t.Fatalf("want value, got %q", v)
		}
	}
	if calls != 1 {
		t.Fatalf("producer ran %d times, want 1", calls)
	}
}

func TestWith_ErrorNotCached(t *testing.T) {
	s := New()
	calls := 0
	producer := func() (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("upstream down")
		}
		return 7, nil
	}

	if _, err := With(s, "k", time.Minute, producer); err == nil {
		t.Fatal("first call should fail")
	}
	v, err := With(s, "k", time.Minute, producer)
	if err != nil || v != 7 {
		t.Fatalf("second call should recover: v=%d err=%v", v, err)
	}
	if calls != 2 {
		t.Fatalf("producer ran %d times, want 2", calls)
	}
}

func TestInvalidateAndCleanup(t *testing.T) {
	s := New()
	s.Set("live", 1, time.Minute)
	s.Set("dead", 2, -time.Second)
	s.Invalidate("live")

	if s.Len() != 1 {
		t.Fatalf("want 1 entry after invalidate, got %d", s.Len())
	}
	s.cleanup()
	if s.Len() != 0 {
		t.Fatalf("want 0 entries after cleanup, got %d", s.Len())
	}
}
