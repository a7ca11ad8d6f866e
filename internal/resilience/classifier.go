package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/neigh/pkg/provider/classifier"
)

var _ classifier.Provider = (*ClassifierFailover)(nil)

// ClassifierFailover implements [classifier.Provider] over a primary model
// server and standbys serving the same model.
type ClassifierFailover struct {
	group *Failover[classifier.Provider]
	shape classifier.Shape
}

// NewClassifierFailover creates a [ClassifierFailover] that prefers primary.
func NewClassifierFailover(name string, primary classifier.Provider, cfg CircuitBreakerConfig) *ClassifierFailover {
	return &ClassifierFailover{
		group: NewFailover(name, primary, cfg),
		shape: primary.InputShape(),
	}
}

// Add registers a standby. It must accept the same input shape as the
// primary.
func (c *ClassifierFailover) Add(name string, standby classifier.Provider) error {
	if got := standby.InputShape(); !got.Equal(c.shape) {
		return fmt.Errorf("%w: standby %s expects %s, primary expects %s",
			classifier.ErrShapeMismatch, name, got, c.shape)
	}
	c.group.Add(name, standby)
	return nil
}

// Backends returns the backend names in failover order.
func (c *ClassifierFailover) Backends() []string {
	return c.group.Names()
}

// InputShape implements [classifier.Provider].
func (c *ClassifierFailover) InputShape() classifier.Shape {
	return c.shape
}

// Predict implements [classifier.Provider]. A tensor of the wrong shape is
// rejected before any backend is contacted.
func (c *ClassifierFailover) Predict(ctx context.Context, f classifier.Features) (classifier.Label, error) {
	if !f.Shape.Equal(c.shape) {
		return "", fmt.Errorf("%w: got %s, want %s", classifier.ErrShapeMismatch, f.Shape, c.shape)
	}
	return Call(ctx, c.group, func(p classifier.Provider) (classifier.Label, error) {
		return p.Predict(ctx, f)
	})
}
