// Package classifier defines the Provider interface for segment classifiers.
//
// A classifier receives a fixed-shape [Features] tensor extracted from a
// normalised audio segment and returns one of two labels. The tensor shape
// is declared up front by both sides: the [Extractor] that produces it and
// the [Provider] that consumes it. [CheckShape] compares the two once at
// startup; a mismatch is a configuration error, never retried per segment.
//
// Implementations must be safe for concurrent use.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/MrWong99/neigh/pkg/audio"
)

// ErrShapeMismatch is returned when a feature tensor does not have the shape
// a provider expects.
var ErrShapeMismatch = errors.New("classifier: feature shape mismatch")

// Label is a classification outcome.
type Label string

const (
	// LabelAnimal marks a positive detection that drives actuation.
	LabelAnimal Label = "animal"

	// LabelOther marks everything else.
	LabelOther Label = "other"
)

// Labels returns the known labels in sorted order. Binary models index into
// this slice with their thresholded output.
func Labels() []Label {
	return []Label{LabelAnimal, LabelOther}
}

// Shape is a tensor shape, outermost dimension first, excluding the batch
// dimension.
type Shape []int

// Size returns the number of elements a tensor of this shape holds.
func (s Shape) Size() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Equal reports whether s and o describe the same shape.
func (s Shape) Equal(o Shape) bool {
	return slices.Equal(s, o)
}

// String formats the shape as "[40 32 1]".
func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = strconv.Itoa(d)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Features is a dense row-major tensor.
type Features struct {
	Shape Shape
	Data  []float32
}

// Validate checks that the data length matches the shape.
func (f Features) Validate() error {
	if f.Shape.Size() != len(f.Data) {
		return fmt.Errorf("%w: shape %s holds %d values, got %d",
			ErrShapeMismatch, f.Shape, f.Shape.Size(), len(f.Data))
	}
	return nil
}

// Extractor turns a normalised segment into features. Extraction must be
// deterministic: the same segment always yields the same tensor.
type Extractor interface {
	// Shape returns the shape every extracted tensor has.
	Shape() Shape

	// Extract computes the features for seg.
	Extract(seg audio.Segment) (Features, error)
}

// Provider is the abstraction over a trained binary classifier.
type Provider interface {
	// Predict classifies f. Returns an error wrapping [ErrShapeMismatch] if
	// f does not match InputShape.
	Predict(ctx context.Context, f Features) (Label, error)

	// InputShape returns the tensor shape the model accepts.
	InputShape() Shape
}

// CheckShape verifies that e produces tensors p accepts.
func CheckShape(e Extractor, p Provider) error {
	if !e.Shape().Equal(p.InputShape()) {
		return fmt.Errorf("%w: extractor produces %s, classifier expects %s",
			ErrShapeMismatch, e.Shape(), p.InputShape())
	}
	return nil
}
