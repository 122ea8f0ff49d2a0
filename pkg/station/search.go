package station

import (
	"sort"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MatchKind classifies how a query matched a station. Lower values rank
// higher.
type MatchKind int

const (
	MatchExactName MatchKind = iota
	MatchExactAlias
	MatchPrefix
	MatchSubstring
	MatchFuzzy
)

func (k MatchKind) String() string {
	switch k {
	case MatchExactName:
		return "exact"
	case MatchExactAlias:
		return "alias"
	case MatchPrefix:
		return "prefix"
	case MatchSubstring:
		return "substring"
	case MatchFuzzy:
		return "fuzzy"
	default:
		return "unknown"
	}
}

// Match is a single ranked search result.
type Match struct {
	Station  *Definition
	Kind     MatchKind
	Distance int
	Score    float64
}

// searchIndex is built once per registry generation. It holds the
// normalized name and alias tokens so queries never re-normalize the
// station set.
type searchIndex struct {
	entries []indexEntry
}

type indexEntry struct {
	token string
	alias bool
	def   *Definition
}

func buildIndex(defs []*Definition) *searchIndex {
	idx := &searchIndex{}
	for _, def := range defs {
		idx.entries = append(idx.entries, indexEntry{token: normalize(def.Name), def: def})
		for _, alias := range def.Aliases {
			idx.entries = append(idx.entries, indexEntry{token: normalize(alias), alias: true, def: def})
		}
	}
	return idx
}

// query returns all stations matching text, best match first. A station
// appears at most once, under its strongest matching token.
func (idx *searchIndex) query(text string) []Match {
	q := normalize(text)
	if q == "" {
		return nil
	}

	best := make(map[*Definition]Match)
	for _, e := range idx.entries {
		m, ok := matchToken(q, e)
		if !ok {
			continue
		}
		prev, seen := best[e.def]
		if !seen || better(m, prev) {
			best[e.def] = m
		}
	}

	out := make([]Match, 0, len(best))
	for _, m := range best {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if better(out[i], out[j]) {
			return true
		}
		if better(out[j], out[i]) {
			return false
		}
		return out[i].Station.Name < out[j].Station.Name
	})
	return out
}

func better(a, b Match) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	return a.Distance < b.Distance
}

func matchToken(q string, e indexEntry) (Match, bool) {
	dist := levenshtein.ComputeDistance(q, e.token)

	switch {
	case e.token == q:
		if e.alias {
			return Match{Station: e.def, Kind: MatchExactAlias, Score: 0.95}, true
		}
		return Match{Station: e.def, Kind: MatchExactName, Score: 1.0}, true
	case strings.HasPrefix(e.token, q):
		return Match{Station: e.def, Kind: MatchPrefix, Distance: dist, Score: prefixScore(e.alias)}, true
	case strings.Contains(e.token, q):
		return Match{Station: e.def, Kind: MatchSubstring, Distance: dist, Score: substringScore(e.alias)}, true
	case dist <= maxEditDistance(q):
		longest := max(len([]rune(q)), len([]rune(e.token)))
		return Match{Station: e.def, Kind: MatchFuzzy, Distance: dist, Score: 1.0 - float64(dist)/float64(longest)}, true
	default:
		return Match{}, false
	}
}

func prefixScore(alias bool) float64 {
	if alias {
		return 0.85
	}
	return 0.9
}

func substringScore(alias bool) float64 {
	if alias {
		return 0.75
	}
	return 0.8
}

// maxEditDistance scales the fuzzy tolerance with query length: short
// queries must be near-exact, longer ones may drift a little.
func maxEditDistance(q string) int {
	n := len([]rune(q)) / 3
	if n > 3 {
		n = 3
	}
	return n
}

// normalize lowercases, strips diacritics and collapses whitespace so that
// "Ràdio  Flaixbac" and "radio flaixbac" compare equal.
func normalize(s string) string {
	stripper := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(stripper, s)
	if err != nil {
		folded = s
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}
