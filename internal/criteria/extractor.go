package criteria

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/xaenox/realty-agent/internal/models"
)

type phrase struct {
	words []string
	value string
}

var (
	propertyTypePhrases    = buildPhrases(propertyTypeSynonyms)
	transactionTypePhrases = buildPhrases(transactionTypeSynonyms)
)

func buildPhrases(table map[string][]string) []phrase {
	var phrases []phrase
	for _, canonical := range sortedKeys(table) {
		terms := append([]string{canonical}, table[canonical]...)
		for _, term := range terms {
			key := foldKey(term)
			if _, ambiguous := argumentOnlyTerms[key]; ambiguous {
				continue
			}
			phrases = append(phrases, phrase{words: strings.Fields(key), value: canonical})
		}
	}
	return phrases
}

func sortedKeys(table map[string][]string) []string {
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Prepositions that introduce a place name in free text.
var cityTriggers = map[string]struct{}{
	"em": {}, "in": {}, "cidade": {}, "city": {},
}

var cityConnectors = map[string]struct{}{
	"do": {}, "da": {}, "de": {}, "dos": {}, "das": {}, "d": {},
}

// Capitalised words that follow "em" without naming a place.
var cityStopwords = map[string]struct{}{
	"janeiro": {}, "fevereiro": {}, "marco": {}, "abril": {}, "maio": {}, "junho": {},
	"julho": {}, "agosto": {}, "setembro": {}, "outubro": {}, "novembro": {}, "dezembro": {},
	"breve": {}, "reais": {}, "r": {}, "qualquer": {}, "todas": {}, "todos": {},
}

// Extractor recovers search criteria from recent contact messages when the
// model leaves tool arguments out.
type Extractor struct {
	cities []phrase
}

// NewExtractor builds an extractor whose city gazetteer is knownCities,
// typically the cities where the tenant has listings.
func NewExtractor(knownCities []string) *Extractor {
	e := &Extractor{}
	seen := make(map[string]struct{})
	for _, city := range knownCities {
		name := strings.Join(strings.Fields(city), " ")
		key := foldKey(name)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		e.cities = append(e.cities, phrase{words: strings.Fields(key), value: name})
	}
	return e
}

// Extract scans at most maxWindow texts, most recent first, and returns
// for each dimension the value mentioned in the most recent message that
// mentions one. Within a message the last mention wins. maxWindow <= 0
// scans every text.
func (e *Extractor) Extract(texts []string, maxWindow int) models.SearchCriteria {
	if maxWindow > 0 && len(texts) > maxWindow {
		texts = texts[:maxWindow]
	}

	var out models.SearchCriteria
	for _, text := range texts {
		if out.City != "" && out.TransactionType != "" && out.PropertyType != "" {
			break
		}
		original := Words(norm.NFC.String(text))
		folded := make([]string, len(original))
		for i, w := range original {
			folded[i] = Fold(w)
		}

		if out.PropertyType == "" {
			out.PropertyType, _ = latestMatch(folded, propertyTypePhrases)
		}
		if out.TransactionType == "" {
			out.TransactionType, _ = latestMatch(folded, transactionTypePhrases)
		}
		if out.City == "" {
			out.City = e.city(original, folded)
		}
	}
	return out
}

func (e *Extractor) city(original, folded []string) string {
	if value, ok := latestMatch(folded, e.cities); ok {
		return value
	}
	return cityAfterPreposition(original, folded)
}

// latestMatch finds the phrase whose occurrence ends last in words. Equal
// ends prefer the longer phrase.
func latestMatch(words []string, phrases []phrase) (string, bool) {
	bestEnd, bestLen := -1, 0
	var best string
	for _, p := range phrases {
		n := len(p.words)
		if n == 0 || n > len(words) {
			continue
		}
		for start := len(words) - n; start >= 0; start-- {
			if !equalWords(words[start:start+n], p.words) {
				continue
			}
			end := start + n - 1
			if end > bestEnd || (end == bestEnd && n > bestLen) {
				bestEnd, bestLen, best = end, n, p.value
			}
			break
		}
	}
	return best, bestEnd >= 0
}

func equalWords(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// cityAfterPreposition reads a capitalised place name following "em",
// "cidade de" and similar triggers. The last trigger in the text wins.
func cityAfterPreposition(original, folded []string) string {
	var found string
	for i := 0; i < len(folded); i++ {
		if _, ok := cityTriggers[folded[i]]; !ok {
			continue
		}
		start := i + 1
		if folded[i] == "cidade" && start < len(folded) {
			if _, ok := cityConnectors[folded[start]]; ok {
				start++
			}
		}
		if name := capitalisedRun(original, folded, start); name != "" {
			found = name
		}
	}
	return found
}

func capitalisedRun(original, folded []string, start int) string {
	if start >= len(original) || !isCapitalised(original[start]) {
		return ""
	}
	if _, stop := cityStopwords[folded[start]]; stop {
		return ""
	}

	parts := []string{original[start]}
	for j := start + 1; j < len(original); j++ {
		if isCapitalised(original[j]) {
			parts = append(parts, original[j])
			continue
		}
		if _, ok := cityConnectors[folded[j]]; ok && j+1 < len(original) && isCapitalised(original[j+1]) {
			parts = append(parts, original[j])
			continue
		}
		break
	}
	return strings.Join(parts, " ")
}

func isCapitalised(word string) bool {
	r, _ := utf8.DecodeRuneInString(word)
	return unicode.IsUpper(r)
}
