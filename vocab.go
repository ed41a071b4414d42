package caption

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode"
)

// Reserved tokens. A Vocabulary always holds them at ids 0-3 in this order.
const (
	PadToken   = "<pad>"
	StartToken = "<start>"
	EndToken   = "<end>"
	UnkToken   = "<unk>"
)

// ReservedTokens lists the reserved tokens in id order.
var ReservedTokens = []string{PadToken, StartToken, EndToken, UnkToken}

// ErrReservedToken indicates a vocabulary that lacks a reserved token.
var ErrReservedToken = errors.New("vocab: missing reserved token")

// Vocab is what the decoder needs from a vocabulary.
type Vocab interface {
	// Len returns the number of tokens; ids are [0, Len()).
	Len() int

	// ID returns the id of token, or the id of UnkToken if it is unknown.
	ID(token string) int

	// Tokens returns every token, indexed by id.
	Tokens() []string
}

// Vocabulary is a bijective mapping between tokens and ids.
type Vocabulary struct {
	toID    map[string]int
	toToken []string
}

// NewVocabulary returns a vocabulary holding just the reserved tokens.
func NewVocabulary() *Vocabulary {
	v := &Vocabulary{toID: make(map[string]int)}
	for _, tok := range ReservedTokens {
		v.Add(tok)
	}
	return v
}

// Add inserts token if absent and returns its id.
func (v *Vocabulary) Add(token string) int {
	if id, ok := v.toID[token]; ok {
		return id
	}
	id := len(v.toToken)
	v.toID[token] = id
	v.toToken = append(v.toToken, token)
	return id
}

// Len returns the number of tokens.
func (v *Vocabulary) Len() int { return len(v.toToken) }

// Lookup returns the id of token and whether it is known.
func (v *Vocabulary) Lookup(token string) (int, bool) {
	id, ok := v.toID[token]
	return id, ok
}

// ID returns the id of token, falling back to UnkToken.
func (v *Vocabulary) ID(token string) int {
	if id, ok := v.toID[token]; ok {
		return id
	}
	return v.toID[UnkToken]
}

// Token returns the token for id. It panics on ids outside [0, Len()).
func (v *Vocabulary) Token(id int) string {
	return v.toToken[id]
}

// Tokens returns a copy of all tokens in id order.
func (v *Vocabulary) Tokens() []string {
	return append([]string(nil), v.toToken...)
}

// Encode turns a caption into <start> w1 … wn <end> ids.
func (v *Vocabulary) Encode(caption string) []int {
	words := Tokenize(caption)
	ids := make([]int, 0, len(words)+2)
	ids = append(ids, v.ID(StartToken))
	for _, w := range words {
		ids = append(ids, v.ID(w))
	}
	return append(ids, v.ID(EndToken))
}

// Caption turns generated ids into a sentence: <start> is skipped and
// everything from the first <end> on is dropped.
func (v *Vocabulary) Caption(ids []int) string {
	start, end := v.ID(StartToken), v.ID(EndToken)
	var words []string
	for _, id := range ids {
		if id == end {
			break
		}
		if id == start {
			continue
		}
		words = append(words, v.Token(id))
	}
	return strings.Join(words, " ")
}

// Tokenize lower-cases text and splits it into words and punctuation marks.
func Tokenize(text string) []string {
	var (
		tokens []string
		cur    strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'':
			cur.WriteRune(r)
		case unicode.IsSpace(r):
			flush()
		default:
			flush()
			tokens = append(tokens, string(r))
		}
	}
	flush()
	return tokens
}

// BuildVocabulary keeps every word that appears at least threshold times in
// captions. Words are added in order of first appearance.
func BuildVocabulary(captions []string, threshold int) *Vocabulary {
	counts := make(map[string]int)
	var order []string
	for _, c := range captions {
		for _, w := range Tokenize(c) {
			if counts[w] == 0 {
				order = append(order, w)
			}
			counts[w]++
		}
	}

	v := NewVocabulary()
	for _, w := range order {
		if counts[w] >= threshold {
			v.Add(w)
		}
	}
	return v
}

// vocabularyJSON is the on-disk form: tokens in id order.
type vocabularyJSON struct {
	Tokens []string `json:"tokens"`
}

// WriteJSON serializes the vocabulary.
func (v *Vocabulary) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(vocabularyJSON{Tokens: v.toToken})
}

// ReadVocabulary parses a vocabulary written by WriteJSON. Duplicate tokens,
// missing reserved tokens and reserved tokens away from ids 0-3 are errors.
func ReadVocabulary(r io.Reader) (*Vocabulary, error) {
	var raw vocabularyJSON
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("vocab: decode: %w", err)
	}

	v := &Vocabulary{toID: make(map[string]int, len(raw.Tokens))}
	for _, tok := range raw.Tokens {
		if _, dup := v.toID[tok]; dup {
			return nil, fmt.Errorf("vocab: duplicate token %q", tok)
		}
		v.Add(tok)
	}
	if err := checkReserved(v); err != nil {
		return nil, err
	}
	for id, tok := range ReservedTokens {
		if got := v.ID(tok); got != id {
			return nil, fmt.Errorf("%w: %s at id %d, want %d", ErrReservedToken, tok, got, id)
		}
	}
	return v, nil
}

// checkReserved verifies that every reserved token is present.
func checkReserved(v Vocab) error {
	known := make(map[string]bool, v.Len())
	for _, tok := range v.Tokens() {
		known[tok] = true
	}
	var missing []string
	for _, tok := range ReservedTokens {
		if !known[tok] {
			missing = append(missing, tok)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: %s", ErrReservedToken, strings.Join(missing, ", "))
	}
	return nil
}
