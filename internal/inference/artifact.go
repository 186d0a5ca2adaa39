package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/i474232898/crop-yield-pipeline/internal/temporal"
)

// ArtifactVersion is the manifest format written by WriteArtifact.
const ArtifactVersion = 1

// Artifact is the JSON manifest of a trained model. Stats are the training
// normalization statistics, Scaler the fitted volume scaler, and
// SequenceLength the number of frames per prediction used in training.
// Weights names a sibling object holding the gonum binary weight stream.
type Artifact struct {
	Version        int             `json:"version"`
	Architecture   Architecture    `json:"architecture"`
	Stats          *temporal.Stats `json:"stats,omitempty"`
	Scaler         *MinMaxScaler   `json:"scaler,omitempty"`
	SequenceLength int             `json:"sequenceLength,omitempty"`
	Weights        string          `json:"weights"`
}

// Bundle is a loaded artifact with its model.
type Bundle struct {
	Artifact
	Model *HybridModel
}

// ParseArtifact decodes and checks a manifest.
func ParseArtifact(data []byte) (Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return Artifact{}, fmt.Errorf("%w: %v", ErrArtifact, err)
	}
	if a.Version != ArtifactVersion {
		return Artifact{}, fmt.Errorf("%w: unsupported version %d", ErrArtifact, a.Version)
	}
	if a.Weights == "" {
		return Artifact{}, fmt.Errorf("%w: no weights object", ErrArtifact)
	}
	if a.Stats != nil && a.Stats.Std < 0 {
		return Artifact{}, fmt.Errorf("%w: negative std %v", ErrArtifact, a.Stats.Std)
	}
	if err := a.Architecture.Validate(); err != nil {
		return Artifact{}, err
	}
	return a, nil
}

// LoadArtifact fetches the manifest at key and the weights object it names,
// resolved relative to the manifest.
func LoadArtifact(ctx context.Context, fetch func(context.Context, string) ([]byte, error), key string) (*Bundle, error) {
	return LoadArtifactWeights(ctx, fetch, key, "")
}

// LoadArtifactWeights is LoadArtifact with the weights read from weightsKey
// when it is not empty.
func LoadArtifactWeights(ctx context.Context, fetch func(context.Context, string) ([]byte, error), key, weightsKey string) (*Bundle, error) {
	raw, err := fetch(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("fetch model manifest %s: %w", key, err)
	}
	a, err := ParseArtifact(raw)
	if err != nil {
		return nil, err
	}

	if weightsKey == "" {
		weightsKey = a.Weights
		if !path.IsAbs(weightsKey) {
			weightsKey = path.Join(path.Dir(key), weightsKey)
		}
	}
	weights, err := fetch(ctx, weightsKey)
	if err != nil {
		return nil, fmt.Errorf("fetch model weights %s: %w", weightsKey, err)
	}

	m, err := NewHybridModel(a.Architecture)
	if err != nil {
		return nil, err
	}
	if err := m.ReadWeights(bytes.NewReader(weights)); err != nil {
		return nil, err
	}
	return &Bundle{Artifact: a, Model: m}, nil
}

// WriteArtifact writes the manifest and weight stream of m. The manifest's
// architecture is taken from the model.
func WriteArtifact(manifest, weights io.Writer, a Artifact, m *HybridModel) error {
	a.Version = ArtifactVersion
	a.Architecture = m.Architecture()
	if a.Weights == "" {
		a.Weights = "weights.bin"
	}
	enc := json.NewEncoder(manifest)
	enc.SetIndent("", "  ")
	if err := enc.Encode(a); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return m.WriteWeights(weights)
}

// SaveArtifact writes model.json and the weights file into dir.
func SaveArtifact(dir string, a Artifact, m *HybridModel) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if a.Weights == "" {
		a.Weights = "weights.bin"
	}
	manifestPath := filepath.Join(dir, "model.json")
	mf, err := os.Create(manifestPath)
	if err != nil {
		return "", err
	}
	defer mf.Close()
	wf, err := os.Create(filepath.Join(dir, a.Weights))
	if err != nil {
		return "", err
	}
	defer wf.Close()

	if err := WriteArtifact(mf, wf, a, m); err != nil {
		return "", err
	}
	if err := wf.Close(); err != nil {
		return "", err
	}
	return manifestPath, mf.Close()
}
