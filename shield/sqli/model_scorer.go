package sqli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// DefaultModelSequenceLength is the fixed model input length.
const DefaultModelSequenceLength = 50

// ModelConfig locates an exported sequence classifier.
//
// Dir must contain model.onnx and vocab.json (token -> index). The model takes
// a [1, SeqLen] float32 tensor of vocabulary indices and emits a single
// probability.
type ModelConfig struct {
	Dir               string
	SeqLen            int
	InputName         string
	OutputName        string
	SharedLibraryPath string
}

func (c ModelConfig) withDefaults() ModelConfig {
	if c.SeqLen <= 0 {
		c.SeqLen = DefaultModelSequenceLength
	}
	if c.InputName == "" {
		c.InputName = "input"
	}
	if c.OutputName == "" {
		c.OutputName = "output"
	}
	return c
}

// ModelScorer scores token sets with an ONNX model. Inference is serialized
// because the session reuses its input and output tensors.
type ModelScorer struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	vocab   map[string]int64
	seqLen  int

	mu sync.Mutex
}

// LoadModelScorer initializes the ONNX runtime and the session for cfg.
func LoadModelScorer(cfg ModelConfig) (*ModelScorer, error) {
	cfg = cfg.withDefaults()
	if cfg.Dir == "" {
		return nil, errors.New("model directory is empty")
	}

	modelPath := filepath.Join(cfg.Dir, "model.onnx")
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file missing at %s: %w", modelPath, err)
	}

	vocab, err := loadVocabulary(filepath.Join(cfg.Dir, "vocab.json"))
	if err != nil {
		return nil, fmt.Errorf("load vocabulary: %w", err)
	}

	libPath := cfg.SharedLibraryPath
	if libPath == "" {
		libPath = resolveSharedLibraryPath(cfg.Dir)
	}
	if libPath == "" {
		return nil, errors.New("onnxruntime shared library not found; set ONNXRUNTIME_SHARED_LIBRARY_PATH or install the runtime")
	}
	ort.SetSharedLibraryPath(libPath)
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnxruntime: %w", err)
		}
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.SeqLen)))
	if err != nil {
		return nil, fmt.Errorf("allocate input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		_ = input.Destroy()
		return nil, fmt.Errorf("allocate output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		[]ort.Value{input},
		[]ort.Value{output},
		nil,
	)
	if err != nil {
		_ = input.Destroy()
		_ = output.Destroy()
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	return &ModelScorer{
		session: session,
		input:   input,
		output:  output,
		vocab:   vocab,
		seqLen:  cfg.SeqLen,
	}, nil
}

// Score runs one inference. Any runtime error is returned to the caller;
// wrap the scorer in a FallbackScorer to keep verdicts available.
func (m *ModelScorer) Score(ctx context.Context, tokens TokenSet) (Score, error) {
	if m == nil || m.session == nil {
		return Score{}, errors.New("model scorer not initialized")
	}
	if err := ctx.Err(); err != nil {
		return Score{}, err
	}

	seq := encodeSequence(tokens, m.vocab, m.seqLen)

	m.mu.Lock()
	defer m.mu.Unlock()

	copy(m.input.GetData(), seq)
	if err := m.session.Run(); err != nil {
		return Score{}, fmt.Errorf("onnx run: %w", err)
	}

	out := m.output.GetData()
	if len(out) == 0 {
		return Score{}, errors.New("model produced no output")
	}
	p := float64(out[0])
	if math.IsNaN(p) {
		return Score{}, errors.New("model produced NaN")
	}
	return Score{IsInjection: p > injectionScoreThreshold, Confidence: p}, nil
}

// Close releases the session and tensors.
func (m *ModelScorer) Close() error {
	if m == nil || m.session == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.session.Destroy()
	_ = m.input.Destroy()
	_ = m.output.Destroy()
	m.session = nil
	return err
}

// encodeSequence maps tokens (in lexical order) to vocabulary indices,
// using 0 for unknown tokens, then pads with 0 or truncates to seqLen.
func encodeSequence(tokens TokenSet, vocab map[string]int64, seqLen int) []float32 {
	seq := make([]float32, seqLen)
	for i, tok := range tokens.Sorted() {
		if i >= seqLen {
			break
		}
		seq[i] = float32(vocab[tok])
	}
	return seq
}

func loadVocabulary(path string) (map[string]int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	vocab := make(map[string]int64)
	if err := json.Unmarshal(data, &vocab); err != nil {
		return nil, err
	}
	return vocab, nil
}

// resolveSharedLibraryPath locates a platform onnxruntime library.
// ONNXRUNTIME_SHARED_LIBRARY_PATH wins over probing.
func resolveSharedLibraryPath(modelDir string) string {
	if env := strings.TrimSpace(os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")); env != "" {
		return env
	}

	names := []string{
		"libonnxruntime.so",
		"libonnxruntime.dylib",
		"onnxruntime.dll",
	}
	dirs := []string{
		modelDir,
		filepath.Join(modelDir, "lib"),
		"/usr/local/lib",
		"/usr/lib",
		"/opt/homebrew/lib",
	}

	for _, dir := range dirs {
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}
