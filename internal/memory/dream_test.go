package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/lopution/mika-chat-core/pkg/models"
)

func TestDreamAgentMergesDuplicateTopicsByNormalizedName(t *testing.T) {
	store, err := OpenTopicStore(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	key := models.GroupSessionKey("g1")
	store.Upsert(ctx, TopicSummaryEntry{SessionKey: key, Topic: "Lunch Plans!", Summary: "talking about lunch", SourceMessageCount: 2})
	store.Upsert(ctx, TopicSummaryEntry{SessionKey: key, Topic: "lunch-plans", Summary: "more lunch talk", SourceMessageCount: 3})

	agent := NewDreamAgent(store, DefaultDreamSettings())
	report, err := agent.Run(ctx, key)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.MergedGroups != 1 {
		t.Errorf("expected 1 merged group, got %d", report.MergedGroups)
	}

	entries, err := store.ListBySession(ctx, key)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 surviving entry after merge, got %d", len(entries))
	}
	if entries[0].SourceMessageCount != 5 {
		t.Errorf("expected summed source count 5, got %d", entries[0].SourceMessageCount)
	}
}

func TestDreamAgentDeletesLowValueTopics(t *testing.T) {
	store, err := OpenTopicStore(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	key := models.GroupSessionKey("g1")
	store.Upsert(ctx, TopicSummaryEntry{SessionKey: key, Topic: "trivial", Summary: "ok", SourceMessageCount: 1})

	settings := DefaultDreamSettings()
	settings.MinSummaryChars = 20
	agent := NewDreamAgent(store, settings)

	report, err := agent.Run(ctx, key)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Deleted != 1 {
		t.Errorf("expected 1 deletion, got %d", report.Deleted)
	}
}

func TestDreamAgentMergeTruncatesSummaryToCap(t *testing.T) {
	store, err := OpenTopicStore(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	key := models.PrivateSessionKey("u1")
	big := strings.Repeat("x", 3000)
	store.Upsert(ctx, TopicSummaryEntry{SessionKey: key, Topic: "topic a", Summary: big, SourceMessageCount: 5})
	store.Upsert(ctx, TopicSummaryEntry{SessionKey: key, Topic: "Topic A", Summary: big, SourceMessageCount: 5})

	settings := DefaultDreamSettings()
	settings.MaxMergedSummaryChars = 100
	agent := NewDreamAgent(store, settings)
	if _, err := agent.Run(ctx, key); err != nil {
		t.Fatalf("run: %v", err)
	}

	entries, err := store.ListBySession(ctx, key)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || len(entries[0].Summary) > 100 {
		t.Fatalf("expected merged summary capped to 100 chars, got %+v", entries)
	}
}
