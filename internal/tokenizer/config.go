package tokenizer

import (
	"os"

	json "github.com/goccy/go-json"
)

// Config holds the special token ids resolved from tokenizer_config.json
// and the vocabulary. Missing tokens are -1.
type Config struct {
	Lowercase  bool
	BOSTokenID int
	EOSTokenID int
	PADTokenID int
	UNKTokenID int
	CLSTokenID int
	SEPTokenID int
}

type hfTokenizerConfig struct {
	DoLowerCase *bool  `json:"do_lower_case"`
	BOS         string `json:"bos_token"`
	EOS         string `json:"eos_token"`
	PAD         string `json:"pad_token"`
	UNK         string `json:"unk_token"`
	CLS         string `json:"cls_token"`
	SEP         string `json:"sep_token"`
}

func readOptional(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return raw, err
}

func parseTokenizerConfig(raw []byte) (hfTokenizerConfig, error) {
	var cfg hfTokenizerConfig
	if len(raw) == 0 {
		return cfg, nil
	}
	err := json.Unmarshal(raw, &cfg)
	return cfg, err
}

func resolveConfig(cfg hfTokenizerConfig, encoder map[string]int, lowercase bool) Config {
	lookup := func(name, fallback string) int {
		if name == "" {
			name = fallback
		}
		if id, ok := encoder[name]; ok {
			return id
		}
		return -1
	}
	out := Config{
		Lowercase:  lowercase,
		BOSTokenID: lookup(cfg.BOS, "[DEC]"),
		PADTokenID: lookup(cfg.PAD, "[PAD]"),
		UNKTokenID: lookup(cfg.UNK, "[UNK]"),
		CLSTokenID: lookup(cfg.CLS, "[CLS]"),
		SEPTokenID: lookup(cfg.SEP, "[SEP]"),
	}
	out.EOSTokenID = lookup(cfg.EOS, "")
	if out.EOSTokenID < 0 {
		out.EOSTokenID = out.SEPTokenID
	}
	if cfg.DoLowerCase != nil {
		out.Lowercase = *cfg.DoLowerCase
	}
	return out
}
