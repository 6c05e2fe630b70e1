package memory

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/lopution/mika-chat-core/pkg/models"
)

// DreamSettings controls one Dream Agent cleanup pass (spec §4.7).
type DreamSettings struct {
	MaxIterations        int
	MinSummaryChars      int
	MaxMergedSummaryChars int
	MaxKeywords          int
	MaxKeyPoints         int
	MaxParticipants      int
}

// DefaultDreamSettings returns the spec's default Dream Agent bounds.
func DefaultDreamSettings() DreamSettings {
	return DreamSettings{
		MaxIterations:         20,
		MinSummaryChars:       40,
		MaxMergedSummaryChars: 2000,
		MaxKeywords:           12,
		MaxKeyPoints:          12,
		MaxParticipants:       16,
	}
}

var topicNormalizePattern = regexp.MustCompile(`[^\p{L}\p{N}]+`)

func normalizeTopicName(topic string) string {
	return strings.ToLower(strings.TrimSpace(topicNormalizePattern.ReplaceAllString(topic, " ")))
}

// DreamReport summarizes one Dream Agent run.
type DreamReport struct {
	MergedGroups int
	Deleted      int
	Iterations   int
}

// DreamAgent performs idle-triggered offline cleanup of a session's topic
// summaries: merging near-duplicate topics (by normalized name) and
// pruning low-value ones.
type DreamAgent struct {
	store    *TopicStore
	settings DreamSettings
}

// NewDreamAgent builds a DreamAgent over store.
func NewDreamAgent(store *TopicStore, settings DreamSettings) *DreamAgent {
	return &DreamAgent{store: store, settings: settings}
}

// Run executes one cleanup pass for sessionKey, bounded by
// settings.MaxIterations merge/delete operations.
func (d *DreamAgent) Run(ctx context.Context, sessionKey models.SessionKey) (*DreamReport, error) {
	entries, err := d.store.ListBySession(ctx, sessionKey)
	if err != nil {
		return nil, err
	}

	report := &DreamReport{}
	budget := d.settings.MaxIterations
	if budget <= 0 {
		budget = 20
	}

	groups := make(map[string][]TopicSummaryEntry)
	for _, e := range entries {
		key := normalizeTopicName(e.Topic)
		groups[key] = append(groups[key], e)
	}

	for _, group := range groups {
		if budget <= 0 {
			break
		}
		if len(group) > 1 {
			merged, toDelete := d.mergeGroup(group)
			if err := d.store.Replace(ctx, merged); err != nil {
				continue
			}
			for _, e := range toDelete {
				if err := d.store.Delete(ctx, e.ID); err == nil {
					report.Deleted++
				}
			}
			report.MergedGroups++
			report.Iterations++
			budget--
			continue
		}

		e := group[0]
		if len(e.Summary) < d.settings.MinSummaryChars && e.SourceMessageCount <= 1 {
			if err := d.store.Delete(ctx, e.ID); err == nil {
				report.Deleted++
				report.Iterations++
				budget--
			}
		}
	}

	return report, nil
}

// mergeGroup picks the entry with the newest UpdatedAt as the surviving
// primary, concatenates summaries (truncated to MaxMergedSummaryChars),
// and unions keywords/key_points/participants up to their caps. It
// returns the merged entry (carrying the primary's id, so Run can write it
// back with TopicStore.Replace) and the non-primary entries to delete.
func (d *DreamAgent) mergeGroup(group []TopicSummaryEntry) (TopicSummaryEntry, []TopicSummaryEntry) {
	sort.Slice(group, func(i, j int) bool { return group[i].UpdatedAt > group[j].UpdatedAt })
	primary := group[0]
	rest := group[1:]

	summaries := []string{primary.Summary}
	for _, e := range rest {
		summaries = append(summaries, e.Summary)
	}
	merged := strings.Join(summaries, " ")
	if d.settings.MaxMergedSummaryChars > 0 && len(merged) > d.settings.MaxMergedSummaryChars {
		merged = merged[:d.settings.MaxMergedSummaryChars]
	}

	primary.Summary = merged
	primary.Keywords = unionCapped(append([]string{}, primary.Keywords...), rest, func(e TopicSummaryEntry) []string { return e.Keywords }, d.settings.MaxKeywords)
	primary.KeyPoints = unionCapped(append([]string{}, primary.KeyPoints...), rest, func(e TopicSummaryEntry) []string { return e.KeyPoints }, d.settings.MaxKeyPoints)
	primary.Participants = unionCapped(append([]string{}, primary.Participants...), rest, func(e TopicSummaryEntry) []string { return e.Participants }, d.settings.MaxParticipants)

	for _, e := range rest {
		primary.SourceMessageCount += e.SourceMessageCount
		if e.TimestampStart != 0 && (primary.TimestampStart == 0 || e.TimestampStart < primary.TimestampStart) {
			primary.TimestampStart = e.TimestampStart
		}
		if e.TimestampEnd > primary.TimestampEnd {
			primary.TimestampEnd = e.TimestampEnd
		}
	}

	return primary, rest
}

func unionCapped(base []string, rest []TopicSummaryEntry, pick func(TopicSummaryEntry) []string, cap int) []string {
	seen := make(map[string]bool, len(base))
	out := make([]string, 0, len(base))
	for _, v := range base {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	for _, e := range rest {
		for _, v := range pick(e) {
			if cap > 0 && len(out) >= cap {
				return out
			}
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	if cap > 0 && len(out) > cap {
		out = out[:cap]
	}
	return out
}
