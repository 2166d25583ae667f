package tokenizer

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	json "github.com/goccy/go-json"
	"golang.org/x/text/unicode/norm"
)

const (
	defaultSubwordPrefix = "##"
	defaultMaxWordChars  = 100
)

// WordPiece is a BERT-style tokenizer as used by BLIP's text decoder.
type WordPiece struct {
	encoder      map[string]int
	decoder      []string
	special      map[int]bool
	specialText  []string
	prefix       string
	maxWordChars int
	cfg          Config
}

type hfWordPieceJSON struct {
	Model struct {
		Type                    string         `json:"type"`
		Vocab                   map[string]int `json:"vocab"`
		UnkToken                string         `json:"unk_token"`
		ContinuingSubwordPrefix string         `json:"continuing_subword_prefix"`
		MaxInputCharsPerWord    int            `json:"max_input_chars_per_word"`
	} `json:"model"`
	Normalizer *struct {
		Type      string `json:"type"`
		Lowercase *bool  `json:"lowercase"`
	} `json:"normalizer"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

// Load reads tokenizer.json and an optional tokenizer_config.json.
func Load(tokJSON, tokConfig string) (*WordPiece, error) {
	data, err := readOptional(tokJSON)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer.json: %w", err)
	}
	if data == nil {
		return nil, fmt.Errorf("tokenizer.json not found: %s", tokJSON)
	}
	cfg, err := readOptional(tokConfig)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer_config.json: %w", err)
	}
	return LoadBytes(data, cfg)
}

func LoadBytes(tokJSON []byte, tokConfig []byte) (*WordPiece, error) {
	var tj hfWordPieceJSON
	if err := json.Unmarshal(tokJSON, &tj); err != nil {
		return nil, fmt.Errorf("parse tokenizer.json: %w", err)
	}
	if !strings.EqualFold(tj.Model.Type, "WordPiece") {
		return nil, fmt.Errorf("unsupported tokenizer model: %s", tj.Model.Type)
	}
	if len(tj.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer.json has an empty vocabulary")
	}

	maxID := -1
	for _, id := range tj.Model.Vocab {
		maxID = max(maxID, id)
	}
	for _, at := range tj.AddedTokens {
		maxID = max(maxID, at.ID)
	}
	decoder := make([]string, maxID+1)
	encoder := make(map[string]int, maxID+1)
	for tok, id := range tj.Model.Vocab {
		decoder[id] = tok
		encoder[tok] = id
	}
	special := make(map[int]bool)
	for _, at := range tj.AddedTokens {
		decoder[at.ID] = at.Content
		encoder[at.Content] = at.ID
		if at.Special {
			special[at.ID] = true
		}
	}

	hfCfg, err := parseTokenizerConfig(tokConfig)
	if err != nil {
		return nil, fmt.Errorf("parse tokenizer_config.json: %w", err)
	}
	lowercase := true
	if tj.Normalizer != nil && tj.Normalizer.Lowercase != nil {
		lowercase = *tj.Normalizer.Lowercase
	}

	w := &WordPiece{
		encoder:      encoder,
		decoder:      decoder,
		special:      special,
		prefix:       tj.Model.ContinuingSubwordPrefix,
		maxWordChars: tj.Model.MaxInputCharsPerWord,
		cfg:          resolveConfig(hfCfg, encoder, lowercase),
	}
	w.finish(tj.Model.UnkToken)
	return w, nil
}

// New builds a tokenizer from an ordered vocabulary where the token id is
// the slice index. Tokens written as [NAME] are treated as special.
func New(vocab []string, lowercase bool) *WordPiece {
	w := &WordPiece{
		encoder: make(map[string]int, len(vocab)),
		decoder: append([]string(nil), vocab...),
		special: make(map[int]bool),
	}
	for id, tok := range vocab {
		w.encoder[tok] = id
		if isBracketToken(tok) {
			w.special[id] = true
		}
	}
	w.cfg = resolveConfig(hfTokenizerConfig{}, w.encoder, lowercase)
	w.finish("")
	return w
}

func (w *WordPiece) finish(unkToken string) {
	if w.prefix == "" {
		w.prefix = defaultSubwordPrefix
	}
	if w.maxWordChars <= 0 {
		w.maxWordChars = defaultMaxWordChars
	}
	if unkToken != "" {
		if id, ok := w.encoder[unkToken]; ok {
			w.cfg.UNKTokenID = id
		}
	}
	for id, tok := range w.decoder {
		if isBracketToken(tok) {
			if _, known := w.special[id]; !known && isWellKnownSpecial(tok) {
				w.special[id] = true
			}
		}
	}
	w.specialText = w.specialText[:0]
	for id := range w.special {
		w.specialText = append(w.specialText, w.decoder[id])
	}
	// longest-match first
	sort.Slice(w.specialText, func(i, j int) bool {
		if len(w.specialText[i]) != len(w.specialText[j]) {
			return len(w.specialText[i]) > len(w.specialText[j])
		}
		return w.specialText[i] < w.specialText[j]
	})
}

func (w *WordPiece) Config() Config        { return w.cfg }
func (w *WordPiece) VocabSize() int        { return len(w.decoder) }
func (w *WordPiece) IsSpecial(id int) bool { return w.special[id] }

// Encode tokenizes text without adding [CLS]/[SEP]; the caller decides
// which start token the decoder needs.
func (w *WordPiece) Encode(text string) ([]int, error) {
	var ids []int
	for _, part := range splitSpecials(text, w.specialText) {
		if part.isSpecial {
			ids = append(ids, w.encoder[part.text])
			continue
		}
		for _, word := range preTokenize(w.normalize(part.text)) {
			pieces, err := w.wordPiece(word)
			if err != nil {
				return nil, err
			}
			ids = append(ids, pieces...)
		}
	}
	return ids, nil
}

func (w *WordPiece) wordPiece(word string) ([]int, error) {
	runes := []rune(word)
	if len(runes) > w.maxWordChars {
		return w.unknown(word)
	}
	var ids []int
	start := 0
	for start < len(runes) {
		end := len(runes)
		found := -1
		for end > start {
			sub := string(runes[start:end])
			if start > 0 {
				sub = w.prefix + sub
			}
			if id, ok := w.encoder[sub]; ok {
				found = id
				break
			}
			end--
		}
		if found < 0 {
			return w.unknown(word)
		}
		ids = append(ids, found)
		start = end
	}
	return ids, nil
}

func (w *WordPiece) unknown(word string) ([]int, error) {
	if w.cfg.UNKTokenID < 0 {
		return nil, fmt.Errorf("unknown token: %q", word)
	}
	return []int{w.cfg.UNKTokenID}, nil
}

// Decode joins word pieces back into text, skipping special tokens and
// applying the usual tokenization cleanup.
func (w *WordPiece) Decode(ids []int) (string, error) {
	return w.decode(ids, true)
}

func (w *WordPiece) DecodeRaw(ids []int) (string, error) {
	return w.decode(ids, false)
}

func (w *WordPiece) decode(ids []int, skipSpecial bool) (string, error) {
	var b strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(w.decoder) {
			return "", fmt.Errorf("token id out of range: %d", id)
		}
		if skipSpecial && w.special[id] {
			continue
		}
		tok := w.decoder[id]
		if rest, ok := strings.CutPrefix(tok, w.prefix); ok && b.Len() > 0 {
			b.WriteString(rest)
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(tok)
	}
	return cleanupTokenization(b.String()), nil
}

func (w *WordPiece) normalize(text string) string {
	var b strings.Builder
	for _, r := range text {
		switch {
		case r == 0 || r == unicode.ReplacementChar || isControl(r):
			continue
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		case isCJK(r):
			b.WriteByte(' ')
			b.WriteRune(r)
			b.WriteByte(' ')
		default:
			b.WriteRune(r)
		}
	}
	s := b.String()
	if !w.cfg.Lowercase {
		return s
	}
	s = strings.ToLower(s)
	var out strings.Builder
	for _, r := range norm.NFD.String(s) {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		out.WriteRune(r)
	}
	return out.String()
}
