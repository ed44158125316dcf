package cache

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"
)

func TestMemoryGetFill(t *testing.T) {
	m := NewMemory(time.Minute)
	ctx := context.Background()

	if _, ok, _ := m.Get(ctx, "org/repo"); ok {
		t.Fatal("Get on empty cache should miss")
	}

	want := Entry{Found: true, CommitID: "abc", Status: "GOLD", Timestamp: 42}
	v, _ := m.Version(ctx, "org/repo")
	stored, err := m.Fill(ctx, "org/repo", v, want)
	if err != nil || !stored {
		t.Fatalf("Fill = %v, %v; want stored", stored, err)
	}
	got, ok, err := m.Get(ctx, "org/repo")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v; want hit", ok, err)
	}
	if got != want {
		t.Errorf("Get = %+v, want %+v", got, want)
	}

	if err := m.Invalidate(ctx, "org/repo"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if _, ok, _ := m.Get(ctx, "org/repo"); ok {
		t.Error("Get after Invalidate should miss")
	}
}

func TestMemoryFillAfterInvalidateIsDiscarded(t *testing.T) {
	m := NewMemory(time.Minute)
	ctx := context.Background()

	// A reader takes the version, then a write invalidates before it fills.
	v, _ := m.Version(ctx, "org/repo")
	_ = m.Invalidate(ctx, "org/repo")

	stored, err := m.Fill(ctx, "org/repo", v, Entry{Found: true, Status: "SUCCESS"})
	if err != nil {
		t.Fatalf("Fill failed: %v", err)
	}
	if stored {
		t.Error("Fill with an old version should be discarded")
	}
	if _, ok, _ := m.Get(ctx, "org/repo"); ok {
		t.Error("stale fill is visible")
	}

	// Other keys are unaffected.
	v2, _ := m.Version(ctx, "org/other")
	if stored, _ := m.Fill(ctx, "org/other", v2, Entry{}); !stored {
		t.Error("Fill for an untouched key should be stored")
	}
}

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory(time.Second)
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = m.Fill(ctx, "org/repo", 0, Entry{Found: true, Status: "FAIL"})
	if _, ok, _ := m.Get(ctx, "org/repo"); !ok {
		t.Fatal("fresh entry should hit")
	}

	now = now.Add(2 * time.Second)
	if _, ok, _ := m.Get(ctx, "org/repo"); ok {
		t.Error("expired entry should miss")
	}
	if n := m.Len(); n != 0 {
		t.Errorf("Len = %d after expired Get, want 0", n)
	}
}

func TestMemoryReleasesExpiredEntries(t *testing.T) {
	m := NewMemory(time.Second)
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 10000; i++ {
		_, _ = m.Fill(ctx, fmt.Sprintf("org/repo-%d", i), 0, Entry{})
	}
	now = now.Add(2 * time.Second)

	// Fills for new keys alone must not keep expired ones alive.
	for i := 0; i < 10; i++ {
		_, _ = m.Fill(ctx, fmt.Sprintf("new/repo-%d", i), 0, Entry{})
	}
	if n := m.Len(); n > 10 {
		t.Errorf("Len = %d after expiry and fills, want <= 10", n)
	}

	// Reads of expired keys release them too.
	_, _ = m.Fill(ctx, "late/repo", 0, Entry{})
	now = now.Add(2 * time.Second)
	_, _, _ = m.Get(ctx, "late/repo")
	if _, held := m.items["late/repo"]; held {
		t.Error("expired entry still held after Get")
	}
}

func TestMemoryReadsDoNotGrowVersions(t *testing.T) {
	m := NewMemory(time.Minute)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		_, _ = m.Version(ctx, fmt.Sprintf("org/repo-%d", i))
	}
	if n := len(m.versions); n != 0 {
		t.Errorf("len(versions) = %d, want 0", n)
	}
}

func TestMemoryDefaultTTL(t *testing.T) {
	if m := NewMemory(0); m.ttl != DefaultTTL {
		t.Errorf("ttl = %v, want %v", m.ttl, DefaultTTL)
	}
}

func TestRedis(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set, skipping Redis tests")
	}

	r, err := NewRedis(url, time.Minute)
	if err != nil {
		t.Fatalf("NewRedis failed: %v", err)
	}
	defer r.Close()
	ctx := context.Background()
	key := "test/redis-cache"

	_ = r.Invalidate(ctx, key)
	if _, ok, err := r.Get(ctx, key); ok || err != nil {
		t.Fatalf("Get = %v, %v; want miss", ok, err)
	}

	want := Entry{Found: true, CommitID: "abc", Status: "SUCCESS", Timestamp: 7}
	v, err := r.Version(ctx, key)
	if err != nil {
		t.Fatalf("Version failed: %v", err)
	}
	if stored, err := r.Fill(ctx, key, v, want); err != nil || !stored {
		t.Fatalf("Fill = %v, %v; want stored", stored, err)
	}
	got, ok, err := r.Get(ctx, key)
	if err != nil || !ok || got != want {
		t.Errorf("Get = %+v, %v, %v; want %+v", got, ok, err, want)
	}

	_ = r.Invalidate(ctx, key)
	if stored, err := r.Fill(ctx, key, v, want); err != nil || stored {
		t.Errorf("Fill with old version = %v, %v; want discarded", stored, err)
	}
	if _, ok, _ := r.Get(ctx, key); ok {
		t.Error("stale fill is visible")
	}
}

func TestNewRedisBadURL(t *testing.T) {
	if _, err := NewRedis("not a url", 0); err == nil {
		t.Error("NewRedis should reject a malformed url")
	}
}
