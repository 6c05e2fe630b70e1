package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/lopution/mika-chat-core/pkg/models"
)

// spawnBackgroundTasks fans out the post-reply background work spec §4.1
// step 14 / §5 names: rate-limited fact extraction, topic summarization,
// and a dream-agent tick, all deduplicated per session key through the
// Background Task Supervisor so a slow extraction never blocks, and never
// duplicates, the next turn's work.
//
// Grounded on haasonsaas-nexus/internal/gateway/processing.go's
// post-response fire-and-forget goroutine fan-out, routed here through
// tasks.Supervisor instead of bare goroutines for in-flight dedup.
func (o *Orchestrator) spawnBackgroundTasks(ctx context.Context, sessionKey models.SessionKey, req Request, reply string) {
	if o.deps.Supervisor == nil {
		return
	}

	if o.deps.Config.Memory.MemoryEnabled && o.deps.Extractor != nil && o.shouldExtract(sessionKey) {
		dialogue := fmt.Sprintf("user: %s\nassistant: %s", req.Message, reply)
		o.deps.Supervisor.Spawn(ctx, fmt.Sprintf("mem:%s", sessionKey), func(ctx context.Context) error {
			_, err := o.deps.Extractor.Extract(ctx, sessionKey, dialogue)
			return err
		})
	}

	if o.deps.Config.Memory.MemoryEnabled && o.deps.Summarizer != nil {
		o.deps.Supervisor.Spawn(ctx, fmt.Sprintf("topic:%s", sessionKey), func(ctx context.Context) error {
			history, err := o.deps.ContextStore.Snapshot(ctx, sessionKey)
			if err != nil {
				return err
			}
			_, err = o.deps.Summarizer.ProcessIfReady(ctx, sessionKey, history)
			return err
		})
	}

	if o.deps.Config.Memory.MemoryEnabled && o.deps.Dream != nil {
		o.deps.Supervisor.Spawn(ctx, fmt.Sprintf("dream:%s", sessionKey), func(ctx context.Context) error {
			_, err := o.deps.Dream.Run(ctx, sessionKey)
			return err
		})
	}
}

// shouldExtract reports whether enough time has passed since the last
// extraction for sessionKey, per config.Memory.ExtractRateLimitInterval
// (spec §4.7), and if so records now as the new watermark.
func (o *Orchestrator) shouldExtract(sessionKey models.SessionKey) bool {
	o.extractMu.Lock()
	defer o.extractMu.Unlock()

	interval := o.deps.Config.Memory.ExtractRateLimitInterval
	now := time.Now()
	if last, ok := o.lastExtract[sessionKey]; ok && interval > 0 && now.Sub(last) < interval {
		return false
	}
	o.lastExtract[sessionKey] = now
	return true
}
