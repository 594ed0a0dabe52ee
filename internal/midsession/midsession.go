// Package midsession implements the turn-level recall policy: classifying
// incoming user turns, building a query from recent conversation, gating
// whether to recall at all, and formatting the result for injection.
package midsession

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/agenr-dev/agenr/internal/recall"
)

// Classification is the coarse bucket assigned to a user turn.
type Classification string

const (
	Trivial Classification = "trivial"
	Normal  Classification = "normal"
	Complex Classification = "complex"
)

const (
	recentMessagesCap  = 5
	messageTruncateLen = 200
	jaccardThreshold    = 0.85
)

// State is the per-session bookkeeping the policy threads across turns.
type State struct {
	TurnCount      int
	LastRecallQuery *string
	RecentMessages []string
	RecalledIDs    map[string]bool
	LastStoreTurn  int
	NudgeCount     int
}

func newState() *State {
	return &State{RecalledIDs: make(map[string]bool)}
}

var (
	mu     sync.Mutex
	states = make(map[string]*State)
)

func stateFor(key string) *State {
	s, ok := states[key]
	if !ok {
		s = newState()
		states[key] = s
	}
	return s
}

// markStoreCall records that sessionKey just issued a store call on the
// current turn. It does not check key; MarkStoreCall skips empty keys.
func markStoreCall(key string, s *State) {
	s.LastStoreTurn = s.TurnCount
}

// MarkStoreCall is the exported entry point; empty key is a no-op.
func MarkStoreCall(key string) {
	if key == "" {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	s := stateFor(key)
	markStoreCall(key, s)
}

// ClearState drops one session's state.
func ClearState(key string) {
	mu.Lock()
	defer mu.Unlock()
	delete(states, key)
}

// ClearStates drops all session state. Intended for tests.
func ClearStates() {
	mu.Lock()
	defer mu.Unlock()
	states = make(map[string]*State)
}

var (
	entityRe   = regexp.MustCompile(`#\d+`)
	slugRe     = regexp.MustCompile(`\b[a-zA-Z0-9_-]+/[a-zA-Z0-9_-]+\b`)
	properRe   = regexp.MustCompile(`\b[A-Z][a-z]+\b`)
	questionRe = regexp.MustCompile(`\?\s*$`)
)

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "to": true, "of": true, "and": true,
	"or": true, "in": true, "on": true, "at": true, "for": true, "with": true,
	"it": true, "this": true, "that": true, "yes": true, "no": true, "ok": true,
	"okay": true, "fix": true,
}

var tokenRe = regexp.MustCompile(`[A-Za-z0-9#/]+`)

// ClassifyMessage buckets a user turn as trivial, normal, or complex.
//
// complex: contains a named entity (capitalized proper noun, an issue
// reference like #312, or an org/repo slug like owner/repo) or is a
// question that names an entity. Everything else that isn't pure stopword
// filler is normal; pure filler or short acknowledgements are trivial.
func ClassifyMessage(msg string) Classification {
	trimmed := strings.TrimSpace(msg)
	if trimmed == "" {
		return Trivial
	}

	hasEntity := entityRe.MatchString(trimmed) || slugRe.MatchString(trimmed) || hasProperNoun(trimmed)
	isQuestion := questionRe.MatchString(trimmed)

	if hasEntity {
		return Complex
	}
	if isQuestion && hasNonStopwordContent(trimmed) {
		return Complex
	}

	if isStopwordOnly(trimmed) {
		return Trivial
	}

	tokens := tokenRe.FindAllString(trimmed, -1)
	if len(tokens) <= 3 {
		return Trivial
	}
	return Normal
}

func hasProperNoun(s string) bool {
	for _, m := range properRe.FindAllString(s, -1) {
		if !isSentenceStart(s, m) {
			return true
		}
	}
	// A capitalized word anywhere other than the very first token of the
	// sentence counts; if the only match is the first word, look for a
	// second occurrence before giving up.
	matches := properRe.FindAllStringIndex(s, -1)
	if len(matches) > 1 {
		return true
	}
	if len(matches) == 1 && matches[0][0] != 0 {
		return true
	}
	return false
}

func isSentenceStart(s, word string) bool {
	idx := strings.Index(s, word)
	return idx == 0
}

func isStopwordOnly(s string) bool {
	tokens := tokenRe.FindAllString(strings.ToLower(s), -1)
	if len(tokens) == 0 {
		return true
	}
	for _, t := range tokens {
		if !stopwords[t] {
			return false
		}
	}
	return true
}

func hasNonStopwordContent(s string) bool {
	return !isStopwordOnly(s)
}

func truncate(s string) string {
	if len(s) <= messageTruncateLen {
		return s
	}
	return s[:messageTruncateLen]
}

// Turn processes one user message against session state: classifies it,
// buffers it, builds a query, decides whether to recall, and (if eligible)
// issues the recall and formats the result. The returned string is empty
// when nothing should be injected.
func Turn(ctx context.Context, engine *recall.Engine, sessionKey, message string) (string, error) {
	mu.Lock()
	s := stateFor(sessionKey)
	s.TurnCount++
	class := ClassifyMessage(message)
	pushRecent(s, truncate(message))
	query := buildQuery(s)
	lastQuery := s.LastRecallQuery
	mu.Unlock()

	if query == "" || class == Trivial || !shouldRecall(query, lastQuery) {
		return "", nil
	}

	resp, err := engine.Recall(ctx, recall.Query{Text: query, Limit: 10})
	if err != nil {
		return "", err
	}

	mu.Lock()
	q := query
	s.LastRecallQuery = &q
	var fresh []recall.Item
	for _, it := range resp.Items {
		if !s.RecalledIDs[it.Entry.ID] {
			s.RecalledIDs[it.Entry.ID] = true
			fresh = append(fresh, it)
		}
	}
	mu.Unlock()

	if len(fresh) == 0 {
		return "", nil
	}
	return formatRecalled(fresh), nil
}

func pushRecent(s *State, msg string) {
	s.RecentMessages = append(s.RecentMessages, msg)
	if len(s.RecentMessages) > recentMessagesCap {
		s.RecentMessages = s.RecentMessages[len(s.RecentMessages)-recentMessagesCap:]
	}
}

// buildQuery assembles a recall query from recent messages: the last two
// verbatim, older ones compressed to their first token, stopword-only
// messages dropped.
func buildQuery(s *State) string {
	msgs := s.RecentMessages
	if len(msgs) == 0 {
		return ""
	}
	if len(msgs) == 1 {
		if isStopwordOnly(msgs[0]) {
			return ""
		}
		return msgs[0]
	}

	var parts []string
	verbatimFrom := len(msgs) - 2
	for i, m := range msgs {
		if isStopwordOnly(m) {
			continue
		}
		if i >= verbatimFrom {
			parts = append(parts, m)
			continue
		}
		tokens := tokenRe.FindAllString(m, -1)
		if len(tokens) > 0 {
			parts = append(parts, tokens[0])
		}
	}
	return strings.Join(parts, " ")
}

// shouldRecall gates whether a query is worth issuing: it needs at least
// two tokens (entity-bearing two-token queries are exempt from that floor
// in practice since entities already pass), and must not be near-identical
// to the previous query.
func shouldRecall(query string, lastQuery *string) bool {
	tokens := tokenRe.FindAllString(query, -1)
	if len(tokens) < 2 {
		return false
	}
	if lastQuery == nil {
		return true
	}
	if jaccard(tokenSet(query), tokenSet(*lastQuery)) >= jaccardThreshold {
		return false
	}
	return true
}

func tokenSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, t := range tokenRe.FindAllString(strings.ToLower(s), -1) {
		set[t] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func formatRecalled(items []recall.Item) string {
	var b strings.Builder
	b.WriteString("## Recalled context\n")
	for _, it := range items {
		b.WriteString("- [")
		b.WriteString(it.Entry.Subject)
		b.WriteString("] ")
		b.WriteString(it.Entry.Content)
		b.WriteString("\n")
	}
	return b.String()
}
