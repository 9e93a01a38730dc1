package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestSequence(t *testing.T) (*JobSequence, *miniredis.Miniredis) {
	t.Helper()
	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewJobSequence(client, "test:job_seq"), mini
}

func TestJobSequenceIsMonotonic(t *testing.T) {
	seq, _ := newTestSequence(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := seq.NextID(ctx)
		if err != nil {
			t.Fatalf("NextID() error = %v", err)
		}
		if got != want {
			t.Errorf("NextID() = %d, want %d", got, want)
		}
	}
}

func TestJobSequenceFloor(t *testing.T) {
	seq, mini := newTestSequence(t)
	ctx := context.Background()

	if v, err := seq.EnsureFloor(ctx, 41); err != nil || v != 41 {
		t.Fatalf("EnsureFloor(41) = %d, %v", v, err)
	}
	if id, _ := seq.NextID(ctx); id != 42 {
		t.Errorf("NextID() after floor = %d, want 42", id)
	}
	if v, err := seq.EnsureFloor(ctx, 10); err != nil || v != 42 {
		t.Errorf("EnsureFloor(10) = %d, %v, want counter left at 42", v, err)
	}
	if got, _ := mini.Get("test:job_seq"); got != "42" {
		t.Errorf("stored counter = %q", got)
	}
}

func TestJobSequenceUnavailable(t *testing.T) {
	seq, mini := newTestSequence(t)
	mini.Close()

	if _, err := seq.NextID(context.Background()); err == nil {
		t.Fatal("NextID() error = nil with redis down")
	}
}
