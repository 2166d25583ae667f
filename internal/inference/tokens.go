package inference

import (
	"fmt"

	"github.com/samcharles93/glimpse/internal/tokenizer"
)

// SpecialTokens are the ids the decoder starts from and stops at.
type SpecialTokens struct {
	Start int
	EOS   int
	PAD   int
}

// ResolveSpecialTokens prefers generation_config.json over the tokenizer.
// The text decoder ends captions with [SEP], so sep ids win over eos ids.
func ResolveSpecialTokens(tok tokenizer.Config, gen GenDefaults) (SpecialTokens, error) {
	first := func(cands ...int) int {
		for _, c := range cands {
			if c >= 0 {
				return c
			}
		}
		return -1
	}
	opt := func(p *int) int {
		if p == nil {
			return -1
		}
		return *p
	}

	st := SpecialTokens{
		Start: first(opt(gen.DecoderStartTokenID), opt(gen.BOSTokenID), tok.BOSTokenID, tok.CLSTokenID),
		EOS:   first(opt(gen.SEPTokenID), tok.SEPTokenID, opt(gen.EOSTokenID), tok.EOSTokenID),
		PAD:   first(opt(gen.PadTokenID), tok.PADTokenID),
	}
	if st.Start < 0 {
		return st, fmt.Errorf("no decoder start token in tokenizer or generation config")
	}
	if st.EOS < 0 {
		return st, fmt.Errorf("no end token in tokenizer or generation config")
	}
	return st, nil
}
