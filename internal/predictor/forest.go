package predictor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/kjstillabower/pollen-risk-service/internal/models"
)

// ErrInvalidArtifact wraps every structural problem found while loading a model.
var ErrInvalidArtifact = errors.New("invalid model artifact")

// Node is one entry of a tree's flat node array. A node with a non-nil Value is a leaf.
type Node struct {
	Feature   int       `json:"feature"`
	Threshold float64   `json:"threshold"`
	Left      int       `json:"left"`
	Right     int       `json:"right"`
	Value     []float64 `json:"value,omitempty"`
}

// Tree is a binary decision tree rooted at Nodes[0].
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Artifact is the on-disk model format.
type Artifact struct {
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	Features []string `json:"features"`
	Classes  []int    `json:"classes"`
	Trees    []Tree   `json:"trees"`
}

// Forest evaluates a soft-voting tree ensemble: leaf score vectors are summed
// across trees and the class with the highest total wins, lowest index on ties.
type Forest struct {
	artifact Artifact
}

// LoadFile reads and validates a model artifact from path.
func LoadFile(path string) (*Forest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open model artifact: %w", err)
	}
	defer f.Close()
	forest, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("load model artifact %s: %w", path, err)
	}
	return forest, nil
}

// Load decodes and validates a model artifact.
func Load(r io.Reader) (*Forest, error) {
	var a Artifact
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidArtifact, err)
	}
	if err := a.validate(); err != nil {
		return nil, err
	}
	return &Forest{artifact: a}, nil
}

func (a Artifact) validate() error {
	if len(a.Features) == 0 {
		return fmt.Errorf("%w: no features", ErrInvalidArtifact)
	}
	if len(a.Classes) == 0 {
		return fmt.Errorf("%w: no classes", ErrInvalidArtifact)
	}
	if len(a.Trees) == 0 {
		return fmt.Errorf("%w: no trees", ErrInvalidArtifact)
	}
	for ti, t := range a.Trees {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("%w: tree %d has no nodes", ErrInvalidArtifact, ti)
		}
		for ni, n := range t.Nodes {
			if n.Value != nil {
				if len(n.Value) != len(a.Classes) {
					return fmt.Errorf("%w: tree %d node %d: leaf has %d scores, want %d",
						ErrInvalidArtifact, ti, ni, len(n.Value), len(a.Classes))
				}
				continue
			}
			if n.Feature < 0 || n.Feature >= len(a.Features) {
				return fmt.Errorf("%w: tree %d node %d: feature %d out of range", ErrInvalidArtifact, ti, ni, n.Feature)
			}
			// Children must point forward so every walk terminates.
			for _, child := range []int{n.Left, n.Right} {
				if child <= ni || child >= len(t.Nodes) {
					return fmt.Errorf("%w: tree %d node %d: child %d out of range", ErrInvalidArtifact, ti, ni, child)
				}
			}
		}
	}
	return nil
}

// Name returns the artifact name and version for logs.
func (f *Forest) Name() string {
	if f.artifact.Version == "" {
		return f.artifact.Name
	}
	return f.artifact.Name + "@" + f.artifact.Version
}

// Features implements Predictor.
func (f *Forest) Features() []string {
	out := make([]string, len(f.artifact.Features))
	copy(out, f.artifact.Features)
	return out
}

// Classes returns the labels the model can produce.
func (f *Forest) Classes() []int {
	out := make([]int, len(f.artifact.Classes))
	copy(out, f.artifact.Classes)
	return out
}

// Predict implements Predictor.
func (f *Forest) Predict(v models.FeatureVector) (int, error) {
	if err := checkWidth(v, len(f.artifact.Features)); err != nil {
		return 0, err
	}
	scores := make([]float64, len(f.artifact.Classes))
	for _, t := range f.artifact.Trees {
		leaf := t.leaf(v.Values)
		for i, s := range leaf {
			scores[i] += s
		}
	}
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return f.artifact.Classes[best], nil
}

func (t Tree) leaf(x []float64) []float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Value != nil {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}
