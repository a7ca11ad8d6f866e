// Package mock provides test doubles for the classifier package interfaces.
//
// Use Provider to script labels and inspect the features that were
// submitted. Use Extractor to bypass feature extraction in pipeline tests.
//
// Example:
//
//	p := &mock.Provider{
//	    Shape:  classifier.Shape{40, 32, 1},
//	    Labels: []classifier.Label{classifier.LabelAnimal, classifier.LabelOther},
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/neigh/pkg/audio"
	"github.com/MrWong99/neigh/pkg/provider/classifier"
)

// PredictCall records a single invocation of Provider.Predict.
type PredictCall struct {
	// Features is the tensor passed to Predict.
	Features classifier.Features
}

// Provider is a mock implementation of classifier.Provider.
type Provider struct {
	mu sync.Mutex

	// Shape is returned by InputShape.
	Shape classifier.Shape

	// Labels are returned by successive Predict calls. Once exhausted, the
	// last label is repeated. An empty slice yields LabelOther.
	Labels []classifier.Label

	// PredictErr, if non-nil, is returned by every Predict call.
	PredictErr error

	// CheckShape makes Predict return classifier.ErrShapeMismatch for
	// features whose shape differs from Shape.
	CheckShape bool

	// PredictCalls records every call to Predict in order.
	PredictCalls []PredictCall
}

// Predict records the call and returns the next scripted label.
func (p *Provider) Predict(_ context.Context, f classifier.Features) (classifier.Label, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.PredictCalls)
	p.PredictCalls = append(p.PredictCalls, PredictCall{Features: f})
	if p.PredictErr != nil {
		return "", p.PredictErr
	}
	if p.CheckShape && !f.Shape.Equal(p.Shape) {
		return "", classifier.ErrShapeMismatch
	}
	switch {
	case len(p.Labels) == 0:
		return classifier.LabelOther, nil
	case n < len(p.Labels):
		return p.Labels[n], nil
	default:
		return p.Labels[len(p.Labels)-1], nil
	}
}

// InputShape returns Shape.
func (p *Provider) InputShape() classifier.Shape {
	return p.Shape
}

// CallCount returns the number of Predict calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.PredictCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PredictCalls = nil
}

// Ensure Provider implements classifier.Provider at compile time.
var _ classifier.Provider = (*Provider)(nil)

// Extractor is a mock implementation of classifier.Extractor. It returns a
// zero tensor of OutShape for every segment.
type Extractor struct {
	mu sync.Mutex

	// OutShape is returned by Shape and used for every extracted tensor.
	OutShape classifier.Shape

	// ExtractErr, if non-nil, is returned by every Extract call.
	ExtractErr error

	// Segments records every segment passed to Extract.
	Segments []audio.Segment
}

// Shape returns OutShape.
func (e *Extractor) Shape() classifier.Shape {
	return e.OutShape
}

// Extract records the segment and returns a zero tensor.
func (e *Extractor) Extract(seg audio.Segment) (classifier.Features, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Segments = append(e.Segments, seg)
	if e.ExtractErr != nil {
		return classifier.Features{}, e.ExtractErr
	}
	return classifier.Features{
		Shape: e.OutShape,
		Data:  make([]float32, e.OutShape.Size()),
	}, nil
}

// Ensure Extractor implements classifier.Extractor at compile time.
var _ classifier.Extractor = (*Extractor)(nil)
