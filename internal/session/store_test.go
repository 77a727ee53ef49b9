package session

import (
	"context"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewStore(mr.Addr(), "sync-test")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, "s1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	sess, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess == nil {
		t.Fatal("session not found")
	}
	if sess.ID != "s1" || sess.Server != "sync-test" {
		t.Errorf("unexpected session: %+v", sess)
	}
	if sess.UserID != "" {
		t.Error("fresh session should be unauthenticated")
	}
}

func TestGet_Unknown(t *testing.T) {
	store := newTestStore(t)

	sess, err := store.Get(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess != nil {
		t.Errorf("expected nil for unknown session, got %+v", sess)
	}
}

func TestSetUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Create(ctx, "s1")
	if err := store.SetUser(ctx, "s1", "alice", "Alice"); err != nil {
		t.Fatalf("set user: %v", err)
	}

	sess, _ := store.Get(ctx, "s1")
	if sess.UserID != "alice" || sess.UserName != "Alice" {
		t.Errorf("identity not bound: %+v", sess)
	}
}

func TestChannels_AddRemove(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Create(ctx, "s1")
	store.AddChannel(ctx, "s1", "event:e1")
	store.AddChannel(ctx, "s1", "chat:c1")

	channels, err := store.Channels(ctx, "s1")
	if err != nil {
		t.Fatalf("channels: %v", err)
	}
	sort.Strings(channels)
	if len(channels) != 2 || channels[0] != "chat:c1" || channels[1] != "event:e1" {
		t.Errorf("channels: %v", channels)
	}

	store.RemoveChannel(ctx, "s1", "event:e1")
	channels, _ = store.Channels(ctx, "s1")
	if len(channels) != 1 || channels[0] != "chat:c1" {
		t.Errorf("after remove: %v", channels)
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Create(ctx, "s1")
	store.AddChannel(ctx, "s1", "event:e1")

	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	sess, _ := store.Get(ctx, "s1")
	if sess != nil {
		t.Error("session should be gone")
	}
	channels, _ := store.Channels(ctx, "s1")
	if len(channels) != 0 {
		t.Errorf("channel set should be gone: %v", channels)
	}
}
