package inference

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/samcharles93/glimpse/internal/logger"
	"github.com/samcharles93/glimpse/internal/logits"
	"github.com/samcharles93/glimpse/internal/tokenizer"
	"github.com/samcharles93/glimpse/internal/toy"
	"github.com/samcharles93/glimpse/internal/triton"
	"github.com/samcharles93/glimpse/internal/vision"
)

// DefaultModel is the captioning checkpoint used when none is named.
const DefaultModel = "Salesforce/blip-image-captioning-base"

var ErrModelNotFound = errors.New("model not found")

// Loader builds an Engine for a model name.
type Loader struct {
	ModelsDir string
	Backend   string

	TritonURL   string
	TritonModel string // server-side model name; derived from the model name when empty
	HTTPClient  *http.Client
	// ProbeTimeout bounds the readiness check against the inference server.
	ProbeTimeout time.Duration
	// TritonRate limits requests per second to the inference server; zero
	// disables the limit.
	TritonRate float64

	ToySeed int64
}

func (l Loader) Load(ctx context.Context, name string) (*Engine, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultModel
	}
	backend := strings.ToLower(strings.TrimSpace(l.Backend))
	if backend == "" {
		backend = BackendTriton
	}
	log := logger.FromContext(ctx).With("model", name, "backend", backend)

	switch backend {
	case BackendToy:
		return l.loadToy(log, name)
	case BackendTriton:
		return l.loadTriton(ctx, log, name)
	default:
		return nil, fmt.Errorf("unknown backend %q (want %s or %s)", l.Backend, BackendTriton, BackendToy)
	}
}

// loadToy needs no files on disk; a model directory, when present, only
// contributes its preprocessor and generation configs.
func (l Loader) loadToy(log logger.Logger, name string) (*Engine, error) {
	procCfg := vision.DefaultProcessorConfig()
	var defaults GenDefaults
	if dir, err := ResolveModelDir(l.ModelsDir, name); err == nil {
		log.Debug("using model directory for configs", "dir", dir)
		if procCfg, err = vision.LoadProcessorConfig(filepath.Join(dir, "preprocessor_config.json")); err != nil {
			return nil, err
		}
		if defaults, err = LoadGenerationDefaults(filepath.Join(dir, "generation_config.json")); err != nil {
			return nil, err
		}
	}
	proc, err := vision.NewProcessor(procCfg)
	if err != nil {
		return nil, err
	}

	m := toy.New(toy.Config{Seed: l.ToySeed})
	tok := tokenizer.New(toy.Vocabulary(), true)
	local := NewLocalModel(BackendToy, func(pv vision.PixelValues) (logits.Decoder, error) {
		d, err := m.NewDecoder(pv)
		if err != nil {
			return nil, err
		}
		return d, nil
	})
	log.Info("loaded toy captioner", "vocab", m.VocabSize())
	return NewEngine(EngineConfig{
		Name:      name,
		Processor: proc,
		Tokenizer: tok,
		Tokens:    SpecialTokens{Start: toy.DECTokenID, EOS: toy.SEPTokenID, PAD: toy.PADTokenID},
		Model:     local,
		Defaults:  defaults,
	})
}

func (l Loader) loadTriton(ctx context.Context, log logger.Logger, name string) (*Engine, error) {
	dir, err := ResolveModelDir(l.ModelsDir, name)
	if err != nil {
		return nil, err
	}
	log.Debug("resolved model directory", "dir", dir)

	procCfg, err := vision.LoadProcessorConfig(filepath.Join(dir, "preprocessor_config.json"))
	if err != nil {
		return nil, err
	}
	proc, err := vision.NewProcessor(procCfg)
	if err != nil {
		return nil, err
	}
	tok, err := tokenizer.Load(filepath.Join(dir, "tokenizer.json"), filepath.Join(dir, "tokenizer_config.json"))
	if err != nil {
		return nil, err
	}
	defaults, err := LoadGenerationDefaults(filepath.Join(dir, "generation_config.json"))
	if err != nil {
		return nil, err
	}
	tokens, err := ResolveSpecialTokens(tok.Config(), defaults)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(l.TritonURL) == "" {
		return nil, fmt.Errorf("triton backend needs an inference server url")
	}
	client, err := triton.New(l.TritonURL,
		triton.WithHTTPClient(l.HTTPClient),
		triton.WithRateLimit(l.TritonRate, max(int(l.TritonRate), 1)))
	if err != nil {
		return nil, err
	}
	remoteName := l.TritonModel
	if remoteName == "" {
		remoteName = ServerModelName(name)
	}
	probeTimeout := l.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 10 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := client.ServerReady(probeCtx); err != nil {
		return nil, fmt.Errorf("inference server at %s: %w", l.TritonURL, err)
	}
	if err := client.ModelReady(probeCtx, remoteName); err != nil {
		return nil, fmt.Errorf("inference server at %s: %w", l.TritonURL, err)
	}
	meta, err := client.ModelMetadata(probeCtx, remoteName)
	if err != nil {
		return nil, fmt.Errorf("inference server at %s: metadata for %s: %w", l.TritonURL, remoteName, err)
	}
	features, err := triton.CheckGenerateModel(meta)
	if err != nil {
		return nil, fmt.Errorf("inference server at %s: %w", l.TritonURL, err)
	}

	log.Info("loaded remote captioner", "server", l.TritonURL, "remote_model", remoteName,
		"platform", meta.Platform, "sampling", features.Sampling, "vocab", tok.VocabSize())
	return NewEngine(EngineConfig{
		Name:      name,
		Processor: proc,
		Tokenizer: tok,
		Tokens:    tokens,
		Model:     NewRemoteModel(client, remoteName, features),
		Defaults:  defaults,
	})
}

// ServerModelName maps "Salesforce/blip-image-captioning-base" to
// "blip-image-captioning-base", the usual model repository entry name.
func ServerModelName(name string) string {
	name = strings.Trim(name, "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return strings.ToLower(name)
}

// ResolveModelDir finds the directory holding a model's tokenizer and
// configs. name may be a directory path, a path under modelsDir, or an
// org/name id stored in the Hugging Face hub cache layout.
func ResolveModelDir(modelsDir, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty model name", ErrModelNotFound)
	}
	if isDir(name) {
		return name, nil
	}
	if modelsDir == "" {
		return "", fmt.Errorf("%w: %s (no models directory configured)", ErrModelNotFound, name)
	}
	direct := filepath.Join(modelsDir, filepath.FromSlash(name))
	if isDir(direct) {
		return direct, nil
	}

	hub := filepath.Join(modelsDir, "models--"+strings.ReplaceAll(name, "/", "--"))
	if snap, ok := hubSnapshot(hub); ok {
		return snap, nil
	}
	if snap, ok := hubSnapshot(filepath.Join(modelsDir, "hub", filepath.Base(hub))); ok {
		return snap, nil
	}
	return "", fmt.Errorf("%w: %s under %s", ErrModelNotFound, name, modelsDir)
}

// hubSnapshot follows refs/main when present and otherwise picks the
// lexically last snapshot.
func hubSnapshot(repo string) (string, bool) {
	snapshots := filepath.Join(repo, "snapshots")
	if ref, err := os.ReadFile(filepath.Join(repo, "refs", "main")); err == nil {
		dir := filepath.Join(snapshots, strings.TrimSpace(string(ref)))
		if isDir(dir) {
			return dir, true
		}
	}
	entries, err := os.ReadDir(snapshots)
	if err != nil {
		return "", false
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", false
	}
	sort.Strings(names)
	return filepath.Join(snapshots, names[len(names)-1]), true
}

func isDir(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}
