// Package proactive implements the Proactive Gate (spec §4.9): decides,
// per group session, whether the core should volunteer a reply to a message
// that was not directed at it.
//
// Grounded on haasonsaas-nexus/internal/gateway/debounce.go's per-session
// mutex-guarded state map (MessageDebouncer.buffers), narrowed here from a
// flush timer to a heat/cooldown counter, and on its DebounceConfig shape
// for the settings struct. The semantic-path cooldown is a single-token
// golang.org/x/time/rate.Limiter per group rather than a hand-rolled
// timestamp comparison, driven through ReserveN/AllowN's explicit-time
// parameter so the existing fixed-clock test style still applies.
package proactive

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SemanticMatcher returns whether text matches one of the configured topics,
// and if so which topic and at what score. Implementations are free to use
// an embedding similarity search or a keyword/regex bank; the gate only
// needs the tri-state result.
type SemanticMatcher interface {
	Match(text string, topicSet []string) (matched bool, topic string, score float64)
}

// Settings mirrors config.ProactiveConfig; kept separate so this package has
// no import-cycle on internal/config.
type Settings struct {
	Keywords                []string
	KeywordCooldownMessages int

	IgnoreLen          int
	HeatThreshold      float64
	HeatDecayPerSecond float64
	Cooldown           time.Duration
	CooldownMessages   int
	Rate               float64
	TopicSet           []string
	GroupWhitelist     []string
}

type groupState struct {
	heat                    float64
	lastUpdate              time.Time
	messagesSinceLastProact int

	// limiter gates the semantic-path trigger to at most once per
	// Cooldown, built lazily with a single-token bucket refilling at
	// 1/Cooldown. A fresh group always starts with its token available,
	// matching the "never triggered before" case.
	limiter *rate.Limiter
}

// Gate tracks per-group heat/cooldown state and decides whether a given
// message should trigger a proactive reply pass.
type Gate struct {
	mu       sync.Mutex
	settings Settings
	matcher  SemanticMatcher
	states   map[string]*groupState
	rng      func() float64
	now      func() time.Time
}

// New builds a Gate. matcher may be nil, in which case the semantic path
// (step 6) never matches and only the keyword fast-path can trigger.
func New(settings Settings, matcher SemanticMatcher) *Gate {
	return &Gate{
		settings: settings,
		matcher:  matcher,
		states:   make(map[string]*groupState),
		rng:      rand.Float64,
		now:      time.Now,
	}
}

// Evaluation is the outcome of one Evaluate call.
type Evaluation struct {
	Triggered bool
	Reason    string // "keyword" | "semantic" | "" (not triggered)
	Topic     string
	Score     float64
}

// Message is the subset of an inbound group message the gate needs.
type Message struct {
	GroupID      string
	Text         string
	HasImage     bool
	SelfAuthored bool
	AtBotTargeted bool
}

// RecordHeat increments a group's heat on every inbound message and decays
// it by elapsed time since the last update, independent of whether the
// message ends up triggering a proactive reply.
func (g *Gate) RecordHeat(groupID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.stateLocked(groupID)
	g.decayLocked(st)
	st.heat++
	st.messagesSinceLastProact++
}

// Evaluate runs the trigger checks in spec §4.9's order, consuming the
// group's current heat. It must be called after RecordHeat for the same
// message so the heat increment from this message is visible.
func (g *Gate) Evaluate(msg Message) Evaluation {
	if msg.SelfAuthored || msg.AtBotTargeted {
		return Evaluation{}
	}
	if !g.whitelisted(msg.GroupID) {
		return Evaluation{}
	}

	if g.keywordMatch(msg.Text) {
		g.mu.Lock()
		st := g.stateLocked(msg.GroupID)
		ok := st.messagesSinceLastProact >= g.settings.KeywordCooldownMessages
		g.mu.Unlock()
		if ok {
			return Evaluation{Triggered: true, Reason: "keyword"}
		}
		return Evaluation{}
	}

	return g.semanticEvaluate(msg)
}

func (g *Gate) semanticEvaluate(msg Message) Evaluation {
	if g.settings.Rate <= 0 {
		return Evaluation{}
	}
	if len(msg.Text) <= g.settings.IgnoreLen && !msg.HasImage {
		return Evaluation{}
	}

	g.mu.Lock()
	st := g.stateLocked(msg.GroupID)
	heat := st.heat
	messagesSince := st.messagesSinceLastProact
	cooldownOK := g.cooldownAllowsLocked(st, g.now())
	g.mu.Unlock()

	if heat < g.settings.HeatThreshold {
		return Evaluation{}
	}
	if !cooldownOK {
		return Evaluation{}
	}
	if messagesSince < g.settings.CooldownMessages {
		return Evaluation{}
	}

	matched, topic, score := false, "", 0.0
	if g.matcher != nil {
		matched, topic, score = g.matcher.Match(msg.Text, g.settings.TopicSet)
	}
	if !matched {
		return Evaluation{}
	}
	if g.rng() > g.settings.Rate {
		return Evaluation{}
	}

	return Evaluation{Triggered: true, Reason: "semantic", Topic: topic, Score: score}
}

// RecordTrigger resets the group's cooldown clock after the orchestrator's
// LLM judge call actually decides to reply. Call only when the judge
// returns should_reply=true — evaluating the gate alone must not reset it.
func (g *Gate) RecordTrigger(groupID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.stateLocked(groupID)
	st.messagesSinceLastProact = 0
	if g.settings.Cooldown <= 0 {
		return
	}
	g.limiterLocked(st).AllowN(g.now(), 1)
}

// cooldownAllowsLocked peeks whether the group's semantic-trigger token is
// currently available at now, without consuming it — consumption only
// happens in RecordTrigger, once the orchestrator's judge call confirms a
// reply. Callers must hold g.mu.
func (g *Gate) cooldownAllowsLocked(st *groupState, now time.Time) bool {
	if g.settings.Cooldown <= 0 {
		return true
	}
	reservation := g.limiterLocked(st).ReserveN(now, 1)
	delay := reservation.DelayFrom(now)
	reservation.CancelAt(now)
	return reservation.OK() && delay == 0
}

func (g *Gate) limiterLocked(st *groupState) *rate.Limiter {
	if st.limiter == nil {
		st.limiter = rate.NewLimiter(rate.Every(g.settings.Cooldown), 1)
	}
	return st.limiter
}

func (g *Gate) keywordMatch(text string) bool {
	if len(g.settings.Keywords) == 0 {
		return false
	}
	lower := strings.ToLower(text)
	for _, kw := range g.settings.Keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func (g *Gate) whitelisted(groupID string) bool {
	if len(g.settings.GroupWhitelist) == 0 {
		return true
	}
	for _, id := range g.settings.GroupWhitelist {
		if id == groupID {
			return true
		}
	}
	return false
}

func (g *Gate) stateLocked(groupID string) *groupState {
	st, ok := g.states[groupID]
	if !ok {
		st = &groupState{lastUpdate: g.now()}
		g.states[groupID] = st
	}
	return st
}

func (g *Gate) decayLocked(st *groupState) {
	now := g.now()
	elapsed := now.Sub(st.lastUpdate).Seconds()
	if elapsed > 0 && g.settings.HeatDecayPerSecond > 0 {
		st.heat -= elapsed * g.settings.HeatDecayPerSecond
		if st.heat < 0 {
			st.heat = 0
		}
	}
	st.lastUpdate = now
}
