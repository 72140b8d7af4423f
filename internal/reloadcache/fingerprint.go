package reloadcache

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"unicode"
)

const (
	TriggerMain   = "main"
	TriggerWindow = "window"
)

// WindowRef is the slice of window state that participates in a
// fingerprint: which windows are open and what renders them.
type WindowRef struct {
	ID       string
	Renderer string
}

// Fingerprint summarizes a task's normalized content plus the open-window
// snapshot it ran against. Key() is the O(1) exact-match handle.
type Fingerprint struct {
	TriggerType     string   `json:"trigger_type"`
	TriggerTarget   string   `json:"trigger_target,omitempty"`
	NGrams          []string `json:"ngrams"`
	ContentHash     string   `json:"content_hash"`
	WindowStateHash string   `json:"window_state_hash"`
}

func (f Fingerprint) Key() string {
	return f.ContentHash + ":" + f.WindowStateHash
}

// BuildFingerprint normalizes the task content into word n-grams and hashes
// both the normalized text and the sorted windowID:renderer list. Two tasks
// with the same normalized content against the same window state always
// produce the same key.
func BuildFingerprint(content, triggerType, triggerTarget string, open []WindowRef, n int) Fingerprint {
	words := normalizeWords(content)
	return Fingerprint{
		TriggerType:     triggerType,
		TriggerTarget:   triggerTarget,
		NGrams:          ngrams(words, n),
		ContentHash:     hashString(strings.Join(words, " ")),
		WindowStateHash: hashWindowState(open),
	}
}

func normalizeWords(content string) []string {
	var b strings.Builder
	b.Grow(len(content))
	for _, r := range strings.ToLower(content) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Fields(b.String())
}

// ngrams returns the ordered word n-grams. Inputs shorter than n fall back
// to unigrams so one-word tasks still fingerprint.
func ngrams(words []string, n int) []string {
	if n <= 1 || len(words) < n {
		out := make([]string, len(words))
		copy(out, words)
		return out
	}
	out := make([]string, 0, len(words)-n+1)
	for i := 0; i+n <= len(words); i++ {
		out = append(out, strings.Join(words[i:i+n], " "))
	}
	return out
}

func hashWindowState(open []WindowRef) string {
	parts := make([]string, 0, len(open))
	for _, w := range open {
		parts = append(parts, w.ID+":"+w.Renderer)
	}
	sort.Strings(parts)
	return hashString(strings.Join(parts, ","))
}

func hashString(s string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return fmt.Sprintf("%016x", h.Sum64())
}

// jaccard is the default similarity: intersection over union of the two
// n-gram sets. Both empty scores zero.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := map[string]struct{}{}
	for _, g := range a {
		setA[g] = struct{}{}
	}
	setB := map[string]struct{}{}
	for _, g := range b {
		setB[g] = struct{}{}
	}
	inter := 0
	for g := range setA {
		if _, ok := setB[g]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
