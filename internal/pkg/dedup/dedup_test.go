package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestDeduplicator(t *testing.T, ttl time.Duration) (*Deduplicator, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() {
		if err := rdb.Close(); err != nil {
			t.Fatalf("close redis: %v", err)
		}
	})
	return NewDeduplicator(rdb, ttl), s
}

func TestDeduplicator_Claim(t *testing.T) {
	d, _ := newTestDeduplicator(t, time.Minute)
	ctx := context.Background()

	ok, err := d.Claim(ctx, "100012345")
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if !ok {
		t.Fatalf("expected first claim to succeed")
	}

	ok, err = d.Claim(ctx, "100012345")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Fatalf("expected second claim to be rejected")
	}

	ok, err = d.Claim(ctx, "100099999")
	if err != nil || !ok {
		t.Fatalf("expected other sku to be claimable, ok=%v err=%v", ok, err)
	}
}

func TestDeduplicator_ReleaseAndExpire(t *testing.T) {
	d, s := newTestDeduplicator(t, time.Minute)
	ctx := context.Background()

	if ok, _ := d.Claim(ctx, "1"); !ok {
		t.Fatalf("expected claim")
	}
	if err := d.Release(ctx, "1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := d.Claim(ctx, "1"); !ok {
		t.Fatalf("expected claim after release")
	}

	s.FastForward(2 * time.Minute)
	if ok, _ := d.Claim(ctx, "1"); !ok {
		t.Fatalf("expected claim after window expired")
	}
}

func TestDeduplicator_NilIsPermissive(t *testing.T) {
	var d *Deduplicator
	ok, err := d.Claim(context.Background(), "1")
	if err != nil || !ok {
		t.Fatalf("nil deduplicator should allow everything, ok=%v err=%v", ok, err)
	}
	if err := d.Release(context.Background(), "1"); err != nil {
		t.Fatalf("nil release: %v", err)
	}
}
