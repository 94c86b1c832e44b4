// Package wakeword decides whether a recognised transcript contains the
// activation phrase.
//
// Recognition engines mangle short proper names, so the match is deliberately
// permissive. A transcript matches when, after normalisation, any of the
// following holds:
//
//  1. The normalised canonical phrase (default "hey anna") is a substring of
//     the normalised transcript, so "hey annabelle" matches too.
//  2. For any salutation × name pair, the literal "<salutation> <name>"
//     occurs, both tokens occur independently, or the name occurs alone.
//  3. (optional) A transcript token sounds like a name: its Double Metaphone
//     codes overlap with the name's and its Jaro-Winkler similarity reaches
//     the phonetic threshold.
//
// Outside the canonical phrase, tokens are compared whole, so "banana" never
// matches "ana".
// The permissive policy is safe because the caller only consults the matcher
// while it is listening.
package wakeword

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// DefaultPhrase is the canonical activation phrase.
const DefaultPhrase = "hey anna"

const defaultPhoneticThreshold = 0.90

// DefaultSalutations returns the salutation variants recognisers commonly
// produce for "hey".
func DefaultSalutations() []string {
	return []string{"hey", "hi", "hay", "hello", "hallo", "hei", "he", "a", "ay", "eh"}
}

// DefaultNames returns the spellings recognisers commonly produce for "Anna".
func DefaultNames() []string {
	return []string{"anna", "ana", "anne", "ann", "hanna", "hannah", "anah", "ahna"}
}

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhrase sets the canonical activation phrase. Default: "hey anna".
func WithPhrase(phrase string) Option {
	return func(m *Matcher) {
		m.phrase = Normalize(phrase)
	}
}

// WithSalutations replaces the salutation vocabulary.
func WithSalutations(words ...string) Option {
	return func(m *Matcher) {
		m.salutations = tokenizeAll(words)
	}
}

// WithNames replaces the name vocabulary.
func WithNames(words ...string) Option {
	return func(m *Matcher) {
		m.names = tokenizeAll(words)
	}
}

// WithPhonetic enables the phonetic tier with the given Jaro-Winkler
// threshold. A threshold <= 0 selects the default of 0.90.
func WithPhonetic(threshold float64) Option {
	return func(m *Matcher) {
		if threshold <= 0 {
			threshold = defaultPhoneticThreshold
		}
		m.phonetic = true
		m.phoneticThreshold = threshold
	}
}

// Matcher is a wake-phrase matcher. It is read-only after construction and
// safe for concurrent use.
type Matcher struct {
	phrase            string
	salutations       [][]string
	names             [][]string
	phonetic          bool
	phoneticThreshold float64
}

// New returns a [Matcher] with the default vocabulary, modified by opts.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phrase:            Normalize(DefaultPhrase),
		salutations:       tokenizeAll(DefaultSalutations()),
		names:             tokenizeAll(DefaultNames()),
		phoneticThreshold: defaultPhoneticThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

var defaultMatcher = New()

// Match reports whether transcript contains the default wake phrase.
func Match(transcript string) bool {
	return defaultMatcher.Match(transcript)
}

// Match reports whether transcript contains the wake phrase.
func (m *Matcher) Match(transcript string) bool {
	tokens := tokenize(transcript)
	if len(tokens) == 0 {
		return false
	}

	if m.phrase != "" && strings.Contains(strings.Join(tokens, " "), m.phrase) {
		return true
	}

	for _, name := range m.names {
		for _, sal := range m.salutations {
			pair := append(append(make([]string, 0, len(sal)+len(name)), sal...), name...)
			if containsSeq(tokens, pair) {
				return true
			}
			if containsSeq(tokens, sal) && containsSeq(tokens, name) {
				return true
			}
		}
		if containsSeq(tokens, name) {
			return true
		}
	}

	if m.phonetic {
		return m.soundsLikeName(tokens)
	}
	return false
}

// soundsLikeName reports whether any single-word name has a phonetically
// similar token in tokens.
func (m *Matcher) soundsLikeName(tokens []string) bool {
	for _, name := range m.names {
		if len(name) != 1 {
			continue
		}
		nameCodes := codes(name[0])
		for _, tok := range tokens {
			if !overlap(codes(tok), nameCodes) {
				continue
			}
			if matchr.JaroWinkler(tok, name[0], false) >= m.phoneticThreshold {
				return true
			}
		}
	}
	return false
}

// codes returns the non-empty Double Metaphone codes for word.
func codes(word string) []string {
	p, s := matchr.DoubleMetaphone(word)
	out := make([]string, 0, 2)
	if p != "" {
		out = append(out, p)
	}
	if s != "" && s != p {
		out = append(out, s)
	}
	return out
}

func overlap(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// containsSeq reports whether seq occurs in tokens as a contiguous run of
// whole tokens.
func containsSeq(tokens, seq []string) bool {
	if len(seq) == 0 || len(seq) > len(tokens) {
		return false
	}
outer:
	for i := 0; i+len(seq) <= len(tokens); i++ {
		for j, w := range seq {
			if tokens[i+j] != w {
				continue outer
			}
		}
		return true
	}
	return false
}

// Normalize lowercases s, replaces everything except letters and digits with
// spaces and collapses whitespace.
func Normalize(s string) string {
	return strings.Join(tokenize(s), " ")
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func tokenizeAll(words []string) [][]string {
	out := make([][]string, 0, len(words))
	for _, w := range words {
		if t := tokenize(w); len(t) > 0 {
			out = append(out, t)
		}
	}
	return out
}
