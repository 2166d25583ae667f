package logits

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
)

// Decoder produces next-token logits for a token prefix. Implementations
// must not keep a reference to prefix.
type Decoder interface {
	Logits(ctx context.Context, prefix []int) ([]float32, error)
}

// SearchConfig bounds a decoding run. MaxLength counts every token in the
// returned sequence, start tokens included.
type SearchConfig struct {
	MaxLength         int
	MinLength         int
	NumBeams          int
	EarlyStopping     bool
	LengthPenalty     float64
	RepetitionPenalty float32
	EOSTokenID        int
}

var ErrEmptyLogits = errors.New("decoder returned empty logits")

func (c SearchConfig) validate(start []int) error {
	if len(start) == 0 {
		return fmt.Errorf("decoding requires at least one start token")
	}
	if c.MaxLength < len(start) {
		return fmt.Errorf("max length %d is shorter than the %d start tokens", c.MaxLength, len(start))
	}
	return nil
}

// Generate dispatches on the config: a non-nil sampler samples, one beam
// is greedy and anything wider runs beam search.
func Generate(ctx context.Context, dec Decoder, start []int, cfg SearchConfig, sampler *Sampler) ([]int, error) {
	switch {
	case sampler != nil:
		return Sample(ctx, dec, start, cfg, sampler)
	case cfg.NumBeams <= 1:
		return Greedy(ctx, dec, start, cfg)
	default:
		return BeamSearch(ctx, dec, start, cfg)
	}
}

func Greedy(ctx context.Context, dec Decoder, start []int, cfg SearchConfig) ([]int, error) {
	return stepwise(ctx, dec, start, cfg, argmax)
}

func Sample(ctx context.Context, dec Decoder, start []int, cfg SearchConfig, s *Sampler) ([]int, error) {
	return stepwise(ctx, dec, start, cfg, s.Sample)
}

func stepwise(ctx context.Context, dec Decoder, start []int, cfg SearchConfig, pick func([]float32) int) ([]int, error) {
	if err := cfg.validate(start); err != nil {
		return nil, err
	}
	seq := append(make([]int, 0, cfg.MaxLength), start...)
	for len(seq) < cfg.MaxLength {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		scores, err := nextScores(ctx, dec, seq, cfg)
		if err != nil {
			return nil, err
		}
		next := pick(scores)
		seq = append(seq, next)
		if next == cfg.EOSTokenID {
			break
		}
	}
	return seq, nil
}

// nextScores fetches logits for seq and applies the min-length and
// repetition constraints. The returned slice is owned by the caller.
func nextScores(ctx context.Context, dec Decoder, seq []int, cfg SearchConfig) ([]float32, error) {
	raw, err := dec.Logits(ctx, seq)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, ErrEmptyLogits
	}
	scores := append([]float32(nil), raw...)
	ApplyRepetitionPenalty(scores, seq, cfg.RepetitionPenalty)
	if len(seq) < cfg.MinLength && cfg.EOSTokenID >= 0 && cfg.EOSTokenID < len(scores) {
		scores[cfg.EOSTokenID] = float32(math.Inf(-1))
	}
	return scores, nil
}

func logSoftmax(x []float32) []float64 {
	out := make([]float64, len(x))
	maxv := math.Inf(-1)
	for _, v := range x {
		maxv = math.Max(maxv, float64(v))
	}
	var sum float64
	for _, v := range x {
		sum += math.Exp(float64(v) - maxv)
	}
	lse := maxv + math.Log(sum)
	for i, v := range x {
		out[i] = float64(v) - lse
	}
	return out
}

type beam struct {
	tokens []int
	score  float64
}

// hypotheses keeps the best finished sequences, worst last.
type hypotheses struct {
	size          int
	lengthPenalty float64
	earlyStopping bool
	items         []beam
}

func (h *hypotheses) normalized(sumLogProbs float64, length int) float64 {
	return sumLogProbs / math.Pow(float64(length), h.lengthPenalty)
}

func (h *hypotheses) worst() float64 {
	if len(h.items) < h.size {
		return math.Inf(-1)
	}
	return h.items[len(h.items)-1].score
}

func (h *hypotheses) add(tokens []int, sumLogProbs float64) {
	score := h.normalized(sumLogProbs, len(tokens))
	if len(h.items) >= h.size && score <= h.worst() {
		return
	}
	h.items = append(h.items, beam{tokens: tokens, score: score})
	sort.SliceStable(h.items, func(i, j int) bool { return h.items[i].score > h.items[j].score })
	if len(h.items) > h.size {
		h.items = h.items[:h.size]
	}
}

// done reports whether no running beam can still beat the finished ones.
func (h *hypotheses) done(bestRunning float64, curLen int) bool {
	if len(h.items) < h.size {
		return false
	}
	if h.earlyStopping {
		return true
	}
	return h.worst() >= h.normalized(bestRunning, curLen)
}

type candidate struct {
	beam  int
	token int
	score float64
}

// BeamSearch keeps NumBeams running sequences, expanding each by its best
// continuations every step. Finished sequences are ranked by their
// log-probability divided by length^LengthPenalty. With EarlyStopping the
// search ends as soon as NumBeams sequences have finished.
func BeamSearch(ctx context.Context, dec Decoder, start []int, cfg SearchConfig) ([]int, error) {
	if err := cfg.validate(start); err != nil {
		return nil, err
	}
	if cfg.NumBeams <= 1 {
		return Greedy(ctx, dec, start, cfg)
	}
	lp := cfg.LengthPenalty
	if lp == 0 {
		lp = 1
	}
	finished := &hypotheses{size: cfg.NumBeams, lengthPenalty: lp, earlyStopping: cfg.EarlyStopping}

	running := []beam{{tokens: append([]int(nil), start...)}}
	curLen := len(start)
	stopped := false
	for !stopped && curLen < cfg.MaxLength {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var cands []candidate
		for bi, b := range running {
			scores, err := nextScores(ctx, dec, b.tokens, cfg)
			if err != nil {
				return nil, err
			}
			for tok, lpv := range logSoftmax(scores) {
				if math.IsInf(lpv, -1) || math.IsNaN(lpv) {
					continue
				}
				cands = append(cands, candidate{beam: bi, token: tok, score: b.score + lpv})
			}
		}
		if len(cands) == 0 {
			break
		}
		sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
		if len(cands) > 2*cfg.NumBeams {
			cands = cands[:2*cfg.NumBeams]
		}

		next := make([]beam, 0, cfg.NumBeams)
		for rank, c := range cands {
			src := running[c.beam].tokens
			tokens := make([]int, len(src)+1)
			copy(tokens, src)
			tokens[len(src)] = c.token
			if c.token == cfg.EOSTokenID {
				// An EOS outside the top NumBeams would displace a better
				// running beam, so it is dropped.
				if rank < cfg.NumBeams {
					finished.add(tokens, c.score)
				}
				continue
			}
			next = append(next, beam{tokens: tokens, score: c.score})
			if len(next) == cfg.NumBeams {
				break
			}
		}
		curLen++
		running = next
		stopped = len(next) == 0 || finished.done(next[0].score, curLen)
	}

	// Sequences cut off by MaxLength compete with the finished ones.
	if !stopped {
		for _, b := range running {
			finished.add(b.tokens, b.score)
		}
	}
	if len(finished.items) == 0 {
		return nil, fmt.Errorf("beam search produced no sequence")
	}
	return finished.items[0].tokens, nil
}
