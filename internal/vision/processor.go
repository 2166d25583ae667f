package vision

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"image"
	"math"
	"os"

	json "github.com/goccy/go-json"
	xdraw "golang.org/x/image/draw"
)

// Resample filters, numbered the way preprocessor_config.json stores them.
const (
	ResampleNearest  = 0
	ResampleBilinear = 2
	ResampleBicubic  = 3
)

// ProcessorConfig mirrors the fields of a Hugging Face preprocessor_config.json
// that the image processor understands.
type ProcessorConfig struct {
	DoConvertRGB  bool      `json:"do_convert_rgb"`
	DoResize      bool      `json:"do_resize"`
	Size          ImageSize `json:"size"`
	Resample      int       `json:"resample"`
	DoRescale     bool      `json:"do_rescale"`
	RescaleFactor float64   `json:"rescale_factor"`
	DoNormalize   bool      `json:"do_normalize"`
	ImageMean     []float64 `json:"image_mean"`
	ImageStd      []float64 `json:"image_std"`
}

type ImageSize struct {
	Height int `json:"height"`
	Width  int `json:"width"`
}

// DefaultProcessorConfig returns the BLIP base preprocessing settings.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		DoConvertRGB:  true,
		DoResize:      true,
		Size:          ImageSize{Height: 384, Width: 384},
		Resample:      ResampleBicubic,
		DoRescale:     true,
		RescaleFactor: 1.0 / 255.0,
		DoNormalize:   true,
		ImageMean:     []float64{0.48145466, 0.4578275, 0.40821073},
		ImageStd:      []float64{0.26862954, 0.26130258, 0.27577711},
	}
}

// LoadProcessorConfig reads preprocessor_config.json. A missing file or
// missing keys keep the BLIP defaults.
func LoadProcessorConfig(path string) (ProcessorConfig, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultProcessorConfig(), nil
	}
	if err != nil {
		return ProcessorConfig{}, fmt.Errorf("read preprocessor config: %w", err)
	}
	return ParseProcessorConfig(raw)
}

func ParseProcessorConfig(raw []byte) (ProcessorConfig, error) {
	cfg := DefaultProcessorConfig()
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return ProcessorConfig{}, fmt.Errorf("parse preprocessor config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return ProcessorConfig{}, err
	}
	return cfg, nil
}

func (c ProcessorConfig) validate() error {
	if c.DoResize && (c.Size.Height <= 0 || c.Size.Width <= 0) {
		return fmt.Errorf("preprocessor config: invalid size %dx%d", c.Size.Width, c.Size.Height)
	}
	if c.DoNormalize {
		if len(c.ImageMean) != 3 || len(c.ImageStd) != 3 {
			return fmt.Errorf("preprocessor config: image_mean and image_std need 3 channels")
		}
		for _, s := range c.ImageStd {
			if s == 0 {
				return fmt.Errorf("preprocessor config: image_std must be non-zero")
			}
		}
	}
	return nil
}

// PixelValues is a channel-first [batch, channels, height, width] tensor.
type PixelValues struct {
	Shape [4]int
	Data  []float32
}

// Fingerprint returns a stable hex digest of the tensor contents.
func (p *PixelValues) Fingerprint() string {
	h := sha256.New()
	var buf [4]byte
	for _, d := range p.Shape {
		binary.LittleEndian.PutUint32(buf[:], uint32(d))
		h.Write(buf[:])
	}
	for _, v := range p.Data {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Processor converts decoded images to PixelValues. It holds no mutable
// state and is safe for concurrent use.
type Processor struct {
	cfg ProcessorConfig
}

func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Processor{cfg: cfg}, nil
}

func (p *Processor) Config() ProcessorConfig {
	return p.cfg
}

// Preprocess runs RGB conversion, resize, rescale and normalization.
func (p *Processor) Preprocess(img image.Image) (*PixelValues, error) {
	if img == nil {
		return nil, fmt.Errorf("preprocess: nil image")
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("preprocess: empty image")
	}
	if p.cfg.DoConvertRGB {
		img = ToRGB(img)
	}

	rgba := p.resize(img)
	h, w := rgba.Bounds().Dy(), rgba.Bounds().Dx()
	plane := h * w
	out := &PixelValues{
		Shape: [4]int{1, 3, h, w},
		Data:  make([]float32, 3*plane),
	}

	scale := 1.0
	if p.cfg.DoRescale {
		scale = p.cfg.RescaleFactor
	}
	for y := 0; y < h; y++ {
		row := rgba.Pix[y*rgba.Stride:]
		for x := 0; x < w; x++ {
			px := row[x*4 : x*4+3]
			for c := 0; c < 3; c++ {
				v := float64(px[c]) * scale
				if p.cfg.DoNormalize {
					v = (v - p.cfg.ImageMean[c]) / p.cfg.ImageStd[c]
				}
				out.Data[c*plane+y*w+x] = float32(v)
			}
		}
	}
	return out, nil
}

func (p *Processor) resize(img image.Image) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if p.cfg.DoResize {
		w, h = p.cfg.Size.Width, p.cfg.Size.Height
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if !p.cfg.DoResize || (b.Dx() == w && b.Dy() == h) {
		xdraw.Draw(dst, dst.Bounds(), img, b.Min, xdraw.Src)
		return dst
	}
	interpolator(p.cfg.Resample).Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}

func interpolator(resample int) xdraw.Interpolator {
	switch resample {
	case ResampleNearest:
		return xdraw.NearestNeighbor
	case ResampleBilinear:
		return xdraw.BiLinear
	default:
		return xdraw.CatmullRom
	}
}
