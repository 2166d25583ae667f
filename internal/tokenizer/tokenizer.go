package tokenizer

// Tokenizer defines the minimal interface used by the caption pipeline.
// Decode drops special tokens; DecodeRaw keeps them.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	IsSpecial(id int) bool
	Decode(ids []int) (string, error)
	DecodeRaw(ids []int) (string, error)
}
