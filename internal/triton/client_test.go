package triton

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	json "github.com/goccy/go-json"
)

type fakeServer struct {
	mu      sync.Mutex
	ready   bool
	lastReq InferRequest
	status  int
}

func (f *fakeServer) setReady(v bool) {
	f.mu.Lock()
	f.ready = v
	f.mu.Unlock()
}

func (f *fakeServer) last() InferRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

func (f *fakeServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /v2/models/{name}/ready", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		ready := f.ready
		f.mu.Unlock()
		if !ready || r.PathValue("name") != "blip" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /v2/models/{name}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ModelMetadata{
			Name:     r.PathValue("name"),
			Platform: "python",
			Inputs:   []TensorMetadata{{Name: InputPixelValues, Datatype: TypeFP32, Shape: []int64{1, 3, 384, 384}}, {Name: InputIDs, Datatype: TypeINT64, Shape: []int64{1, -1}}},
			Outputs:  []TensorMetadata{{Name: OutputSequences, Datatype: TypeINT64, Shape: []int64{-1, -1}}},
		})
	})
	mux.HandleFunc("POST /v2/models/{name}/infer", func(w http.ResponseWriter, r *http.Request) {
		var req InferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode infer request: %v", err)
		}
		f.mu.Lock()
		f.lastReq = req
		status := f.status
		f.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"model exploded"}`))
			return
		}
		_, _ = w.Write([]byte(`{"model_name":"blip","id":"` + req.ID + `","outputs":[` +
			`{"name":"sequences","shape":[1,4],"datatype":"INT64","data":[30522,1037,3899,102]}]}`))
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeServer) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	c, err := New(srv.URL+"/", WithHTTPClient(srv.Client()), WithRateLimit(1000, 10))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestNewValidatesURL(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "ftp://host", "localhost:8000", "http://"} {
		if _, err := New(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
	if _, err := New("http://localhost:8000/prefix/"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestReadinessProbes(t *testing.T) {
	t.Parallel()

	f := &fakeServer{}
	c := newTestClient(t, f)
	ctx := context.Background()

	if err := c.ServerReady(ctx); err != nil {
		t.Fatalf("server ready: %v", err)
	}
	if err := c.ModelReady(ctx, "blip"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	f.setReady(true)
	if err := c.ModelReady(ctx, "blip"); err != nil {
		t.Fatalf("model ready: %v", err)
	}
}

func TestModelMetadata(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, &fakeServer{})
	meta, err := c.ModelMetadata(context.Background(), "blip")
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta.Name != "blip" || len(meta.Inputs) != 2 || meta.Inputs[0].Name != InputPixelValues {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
}

func TestGenerateSendsTensors(t *testing.T) {
	t.Parallel()

	f := &fakeServer{ready: true}
	c := newTestClient(t, f)
	seq, err := c.Generate(context.Background(), "blip", GenerateRequest{
		Pixels:        make([]float32, 3*4*4),
		Shape:         [4]int{1, 3, 4, 4},
		InputIDs:      []int{30522},
		MaxLength:     50,
		NumBeams:      5,
		EarlyStopping: true,
		LengthPenalty: 1,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if want := []int{30522, 1037, 3899, 102}; !slices.Equal(seq, want) {
		t.Fatalf("got %v want %v", seq, want)
	}
	last := f.last()
	if last.ID == "" {
		t.Fatalf("expected a request id")
	}
	names := make([]string, 0, len(last.Inputs))
	for _, in := range last.Inputs {
		names = append(names, in.Name)
	}
	for _, want := range []string{InputPixelValues, InputIDs, InputMaxLength, InputNumBeams, InputEarlyStopping} {
		if !slices.Contains(names, want) {
			t.Fatalf("input %q missing from request: %v", want, names)
		}
	}
	if last.Inputs[0].Datatype != TypeFP32 || !slices.Equal(last.Inputs[0].Shape, []int64{1, 3, 4, 4}) {
		t.Fatalf("unexpected pixel tensor: %+v", last.Inputs[0].Shape)
	}
}

func TestGenerateReportsServerErrors(t *testing.T) {
	t.Parallel()

	f := &fakeServer{ready: true, status: http.StatusInternalServerError}
	c := newTestClient(t, f)
	_, err := c.Generate(context.Background(), "blip", GenerateRequest{
		Pixels: make([]float32, 3), Shape: [4]int{1, 3, 1, 1}, InputIDs: []int{1}, MaxLength: 5,
	})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusInternalServerError || !strings.Contains(se.Error(), "model exploded") {
		t.Fatalf("unexpected status error: %v", se)
	}
}

func TestGenerateValidatesInput(t *testing.T) {
	t.Parallel()

	c, _ := New("http://127.0.0.1:1")
	cases := []GenerateRequest{
		{Pixels: make([]float32, 2), Shape: [4]int{1, 3, 1, 1}, InputIDs: []int{1}},
		{Pixels: make([]float32, 3), Shape: [4]int{1, 3, 1, 1}},
		{Pixels: nil, Shape: [4]int{0, 3, 1, 1}, InputIDs: []int{1}},
	}
	for i, g := range cases {
		if _, err := c.Generate(context.Background(), "blip", g); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestOutputTensorInts(t *testing.T) {
	t.Parallel()

	out := OutputTensor{Name: "x", Datatype: TypeFP32, Data: json.RawMessage(`[1.5]`)}
	if _, err := out.Ints(); err == nil {
		t.Fatalf("expected datatype error")
	}
	out = OutputTensor{Name: "x", Datatype: TypeINT32, Data: json.RawMessage(`[1,2,3]`)}
	got, err := out.Ints()
	if err != nil || !slices.Equal(got, []int{1, 2, 3}) {
		t.Fatalf("got %v, %v", got, err)
	}
}

func TestCheckGenerateModel(t *testing.T) {
	t.Parallel()

	meta := func(inputs ...string) *ModelMetadata {
		m := &ModelMetadata{Name: "blip", Outputs: []TensorMetadata{{Name: OutputSequences}}}
		for _, n := range inputs {
			m.Inputs = append(m.Inputs, TensorMetadata{Name: n})
		}
		return m
	}

	f, err := CheckGenerateModel(meta(requiredInputs...))
	if err != nil || f.Sampling {
		t.Fatalf("search-only model: %+v, %v", f, err)
	}
	f, err = CheckGenerateModel(meta(append(slices.Clone(requiredInputs), samplingInputs...)...))
	if err != nil || !f.Sampling {
		t.Fatalf("sampling model: %+v, %v", f, err)
	}
	partial := append(slices.Clone(requiredInputs), InputDoSample, InputTemperature)
	if f, _ := CheckGenerateModel(meta(partial...)); f.Sampling {
		t.Fatalf("sampling needs every sampling input")
	}

	if _, err := CheckGenerateModel(meta(InputPixelValues)); !errors.Is(err, ErrIncompatibleModel) {
		t.Fatalf("missing inputs: expected ErrIncompatibleModel, got %v", err)
	}
	noSeq := meta(requiredInputs...)
	noSeq.Outputs = nil
	if _, err := CheckGenerateModel(noSeq); !errors.Is(err, ErrIncompatibleModel) {
		t.Fatalf("missing output: expected ErrIncompatibleModel, got %v", err)
	}
	if _, err := CheckGenerateModel(nil); !errors.Is(err, ErrIncompatibleModel) {
		t.Fatalf("nil metadata: expected ErrIncompatibleModel, got %v", err)
	}
}

func TestGenerateSendsSamplingTensors(t *testing.T) {
	t.Parallel()

	f := &fakeServer{ready: true}
	c := newTestClient(t, f)
	req := GenerateRequest{
		Pixels: make([]float32, 3), Shape: [4]int{1, 3, 1, 1}, InputIDs: []int{30522}, MaxLength: 20, NumBeams: 1,
	}

	if _, err := c.Generate(context.Background(), "blip", req); err != nil {
		t.Fatalf("generate: %v", err)
	}
	for _, in := range f.last().Inputs {
		if slices.Contains(samplingInputs, in.Name) {
			t.Fatalf("search request carried sampling input %q", in.Name)
		}
	}

	req.DoSample, req.Seed, req.Temperature, req.TopK, req.TopP = true, 42, 0.7, 30, 0.9
	if _, err := c.Generate(context.Background(), "blip", req); err != nil {
		t.Fatalf("sampled generate: %v", err)
	}
	got := map[string]Tensor{}
	for _, in := range f.last().Inputs {
		got[in.Name] = in
	}
	for _, name := range samplingInputs {
		if _, ok := got[name]; !ok {
			t.Fatalf("sampling input %q missing", name)
		}
	}
	if got[InputSeed].Datatype != TypeINT64 || got[InputTopK].Datatype != TypeINT32 || got[InputDoSample].Datatype != TypeBOOL {
		t.Fatalf("unexpected sampling datatypes: %+v", got)
	}
	// Data round-trips through JSON as []any of float64.
	if seed, ok := got[InputSeed].Data.([]any); !ok || len(seed) != 1 || seed[0] != float64(42) {
		t.Fatalf("unexpected seed tensor %#v", got[InputSeed].Data)
	}
}
