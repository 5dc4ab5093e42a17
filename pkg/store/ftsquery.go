// Copyright 2025 The Engram Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"strings"
	"unicode"
)

// ftsQuery is a parsed web-search-style query: groups are ANDed, the
// alternatives inside a group are ORed, and negated terms exclude the
// document outright.
//
// Grammar: bare words, "quoted phrases", OR between adjacent terms,
// leading - for negation.
type ftsQuery struct {
	groups    [][]ftsTerm
	negations []ftsTerm
}

// ftsTerm is one word or phrase. A phrase matches as an ordered token
// subsequence.
type ftsTerm struct {
	tokens []string
}

// parseFTSQuery parses a query string. Returns an empty query (no
// positive groups) for blank or negation-only input.
func parseFTSQuery(query string) ftsQuery {
	raw := lexQuery(query)

	var q ftsQuery
	var pending []ftsTerm

	flush := func() {
		if len(pending) > 0 {
			q.groups = append(q.groups, pending)
			pending = nil
		}
	}

	for i := 0; i < len(raw); i++ {
		tok := raw[i]

		if tok.text == "OR" && !tok.quoted {
			// OR joins the previous and next terms into one group;
			// a dangling OR is ignored.
			continue
		}

		negated := false
		text := tok.text
		if !tok.quoted && strings.HasPrefix(text, "-") && len(text) > 1 {
			negated = true
			text = text[1:]
		}

		term := ftsTerm{tokens: ftsTokenize(text)}
		if len(term.tokens) == 0 {
			continue
		}

		if negated {
			q.negations = append(q.negations, term)
			continue
		}

		// A term belongs to the previous group when joined by OR,
		// otherwise it starts a new group.
		joined := i > 0 && raw[i-1].text == "OR" && !raw[i-1].quoted
		if joined && len(pending) > 0 {
			pending = append(pending, term)
			continue
		}
		flush()
		pending = []ftsTerm{term}
	}
	flush()

	return q
}

// empty reports whether the query has no positive terms.
func (q ftsQuery) empty() bool {
	return len(q.groups) == 0
}

// score rates a tokenized document against the query. A document matching
// no positive group, missing any group, or containing a negated term
// scores zero (excluded). Otherwise the score is the summed normalized
// term frequency of each group's best alternative.
func (q ftsQuery) score(docTokens []string) float64 {
	if len(docTokens) == 0 || q.empty() {
		return 0
	}

	for _, neg := range q.negations {
		if countOccurrences(docTokens, neg.tokens) > 0 {
			return 0
		}
	}

	var total float64
	for _, group := range q.groups {
		best := 0
		for _, alt := range group {
			if n := countOccurrences(docTokens, alt.tokens); n > best {
				best = n
			}
		}
		if best == 0 {
			return 0
		}
		total += float64(best) / float64(len(docTokens))
	}
	return total
}

// countOccurrences counts matches of term (a token sequence) in doc.
func countOccurrences(doc, term []string) int {
	if len(term) == 0 || len(term) > len(doc) {
		return 0
	}
	count := 0
	for i := 0; i+len(term) <= len(doc); i++ {
		match := true
		for j, t := range term {
			if doc[i+j] != t {
				match = false
				break
			}
		}
		if match {
			count++
		}
	}
	return count
}

// ftsTokenize lowercases and splits text on non-alphanumeric runes.
func ftsTokenize(text string) []string {
	var tokens []string
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		tokens = append(tokens, b.String())
	}
	return tokens
}

type rawToken struct {
	text   string
	quoted bool
}

// lexQuery splits the query into words and quoted phrases.
func lexQuery(query string) []rawToken {
	var out []rawToken
	var b strings.Builder
	inQuote := false
	negPrefix := false

	flush := func(quoted bool) {
		if b.Len() == 0 {
			if quoted {
				out = append(out, rawToken{text: "", quoted: true})
			}
			return
		}
		text := b.String()
		if negPrefix {
			text = "-" + text
		}
		out = append(out, rawToken{text: text, quoted: quoted})
		b.Reset()
		negPrefix = false
	}

	for _, r := range query {
		switch {
		case r == '"':
			if inQuote {
				flush(true)
			} else {
				flush(false)
			}
			inQuote = !inQuote
		case unicode.IsSpace(r) && !inQuote:
			flush(false)
		case r == '-' && !inQuote && b.Len() == 0:
			negPrefix = true
		default:
			b.WriteRune(r)
		}
	}
	flush(inQuote)

	// Drop empty quoted tokens.
	filtered := out[:0]
	for _, t := range out {
		if t.text != "" {
			filtered = append(filtered, t)
		}
	}
	return filtered
}
