package contextstore

import (
	"context"
	"testing"

	"github.com/lopution/mika-chat-core/pkg/models"
)

func TestStoreSaveAndLoadSnapshot(t *testing.T) {
	s, err := Open(":memory:", 16)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	key := models.PrivateSessionKey("u1")

	snapshot := []models.ChatMessage{
		textMsg(models.RoleUser, "hello"),
		textMsg(models.RoleAssistant, "hi there"),
	}
	if err := s.SaveSnapshotAndArchive(ctx, key, snapshot, snapshot); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Snapshot(ctx, key)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(got) != 2 || got[1].Text() != "hi there" {
		t.Errorf("unexpected snapshot: %+v", got)
	}
}

func TestStoreSnapshotMissingReturnsNil(t *testing.T) {
	s, err := Open(":memory:", 16)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	got, err := s.Snapshot(context.Background(), models.PrivateSessionKey("ghost"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil snapshot, got %+v", got)
	}
}

func TestStoreArchiveTailReturnsOldestFirst(t *testing.T) {
	s, err := Open(":memory:", 16)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	key := models.GroupSessionKey("g1")

	texts := []string{"m0", "m1", "m2", "m3", "m4"}
	for i := 0; i < 5; i++ {
		msg := textMsg(models.RoleUser, texts[i])
		if err := s.SaveSnapshotAndArchive(ctx, key, nil, []models.ChatMessage{msg}); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	tail, err := s.ArchiveTail(ctx, key, 3)
	if err != nil {
		t.Fatalf("archive tail: %v", err)
	}
	if len(tail) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(tail))
	}
	if tail[0].Text() != "m2" || tail[2].Text() != "m4" {
		t.Errorf("expected tail [m2 m3 m4] oldest first, got %q..%q", tail[0].Text(), tail[2].Text())
	}
}

func TestStoreSnapshotCacheServesWithoutReread(t *testing.T) {
	s, err := Open(":memory:", 16)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	key := models.PrivateSessionKey("u2")
	snapshot := []models.ChatMessage{textMsg(models.RoleUser, "cached")}
	if err := s.SaveSnapshotAndArchive(ctx, key, snapshot, nil); err != nil {
		t.Fatalf("save: %v", err)
	}

	s.db.Exec(`DELETE FROM contexts WHERE session_key = ?`, string(key))

	got, err := s.Snapshot(ctx, key)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(got) != 1 || got[0].Text() != "cached" {
		t.Errorf("expected cache to serve snapshot after row deletion, got %+v", got)
	}
}
