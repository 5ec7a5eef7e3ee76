package convo

import (
	"strings"

	"toolbot/internal/repo"
)

// Candidate is one possible resolution of a free-text tool reference.
type Candidate struct {
	// Name is the canonical catalog name.
	Name string
	// Exact reports whether the query hit the exact tier (name or alias
	// equality). Only an exact single match may proceed without confirmation.
	Exact bool
}

type matchEntry struct {
	name    string
	aliases []string
}

// MatchCatalog resolves a free-text reference against the tenant catalog.
// Tiers narrow monotonically: exact equality, then substring either way,
// then word overlap keeping only entries tied for the best score.
func MatchCatalog(query string, catalog []repo.Tool) []Candidate {
	entries := make([]matchEntry, 0, len(catalog))
	for _, t := range catalog {
		entries = append(entries, matchEntry{name: t.Name, aliases: t.Aliases})
	}
	return match(query, entries)
}

// MatchHeld resolves a reference against the tools one phone currently holds,
// so check-in never asks a user to disambiguate tools they don't have.
func MatchHeld(query string, held []repo.ActiveCheckout) []Candidate {
	entries := make([]matchEntry, 0, len(held))
	for _, c := range held {
		entries = append(entries, matchEntry{name: c.ToolName})
	}
	return match(query, entries)
}

func match(query string, entries []matchEntry) []Candidate {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}

	// Exact tier.
	var out []Candidate
	for _, e := range entries {
		if strings.EqualFold(e.name, query) || containsFold(e.aliases, query) {
			out = append(out, Candidate{Name: e.name, Exact: true})
		}
	}
	if len(out) > 0 {
		return out
	}

	// Substring tier, either direction: "drill" should find
	// "Dewalt Drill 3432" and vice versa.
	for _, e := range entries {
		if substringEither(strings.ToLower(e.name), query) || anySubstring(e.aliases, query) {
			out = append(out, Candidate{Name: e.name})
		}
	}
	if len(out) > 0 {
		return out
	}

	// Word-overlap tier: keep entries tied for the maximum score > 0.
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}

	best := 0
	var scored []Candidate
	for _, e := range entries {
		words := strings.Fields(strings.ToLower(e.name + " " + strings.Join(e.aliases, " ")))
		score := 0
		for _, w := range words {
			if overlapsAny(w, queryTokens) {
				score++
			}
		}
		if score == 0 {
			continue
		}
		if score > best {
			best = score
			scored = scored[:0]
		}
		if score == best {
			scored = append(scored, Candidate{Name: e.name})
		}
	}
	return scored
}

func containsFold(vals []string, query string) bool {
	for _, v := range vals {
		if strings.EqualFold(v, query) {
			return true
		}
	}
	return false
}

func substringEither(a, b string) bool {
	return strings.Contains(a, b) || strings.Contains(b, a)
}

func anySubstring(vals []string, query string) bool {
	for _, v := range vals {
		if substringEither(strings.ToLower(v), query) {
			return true
		}
	}
	return false
}

// tokenize keeps lower-cased words longer than two characters.
func tokenize(query string) []string {
	var tokens []string
	for _, word := range strings.Fields(query) {
		word = strings.Trim(strings.ToLower(word), ".,!?\"'")
		if len(word) > 2 {
			tokens = append(tokens, word)
		}
	}
	return tokens
}

// overlapsAny reports mutual-substring overlap with any query token.
func overlapsAny(word string, tokens []string) bool {
	for _, tok := range tokens {
		if substringEither(word, tok) {
			return true
		}
	}
	return false
}

// exactOnly re-runs just the exact tier, used when resolving a confirmed
// disambiguation label back to a catalog entry.
func exactOnly(label string, entries []matchEntry) *Candidate {
	for _, e := range entries {
		if strings.EqualFold(e.name, label) || containsFold(e.aliases, label) {
			return &Candidate{Name: e.name, Exact: true}
		}
	}
	return nil
}
