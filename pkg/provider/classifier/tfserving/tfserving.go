// Package tfserving provides a classifier backed by a TensorFlow Serving
// REST endpoint.
//
// The served model takes a batch of feature tensors and returns one sigmoid
// output per instance. Outputs above the threshold select index 1 of
// [classifier.Labels], everything else index 0.
//
// Example usage:
//
//	p, err := tfserving.New("http://localhost:8501", "neigh",
//	    tfserving.WithInputShape(classifier.Shape{40, 32, 1}))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	label, err := p.Predict(ctx, feats)
package tfserving

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/neigh/pkg/provider/classifier"
)

// DefaultBaseURL is the REST port of a local TensorFlow Serving instance.
const DefaultBaseURL = "http://localhost:8501"

// DefaultThreshold splits the sigmoid output.
const DefaultThreshold = 0.5

var _ classifier.Provider = (*Provider)(nil)

// Provider implements classifier.Provider. It is safe for concurrent use.
type Provider struct {
	endpoint   string
	model      string
	threshold  float64
	shape      classifier.Shape
	httpClient *http.Client
}

type config struct {
	timeout   time.Duration
	threshold float64
	shape     classifier.Shape
	client    *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithTimeout sets a per-request HTTP timeout. Zero means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithThreshold overrides [DefaultThreshold].
func WithThreshold(th float64) Option {
	return func(c *config) { c.threshold = th }
}

// WithInputShape declares the tensor shape the served model accepts.
func WithInputShape(s classifier.Shape) Option {
	return func(c *config) { c.shape = s }
}

// WithHTTPClient replaces the default HTTP client. A timeout set with
// WithTimeout is applied to it.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.client = hc }
}

// New constructs a Provider for model served at baseURL. An empty baseURL
// selects [DefaultBaseURL].
func New(baseURL, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("tfserving: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	cfg := &config{threshold: DefaultThreshold}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.shape.Size() == 0 {
		return nil, fmt.Errorf("tfserving: input shape %s is empty", cfg.shape)
	}
	if cfg.threshold < 0 || cfg.threshold > 1 {
		return nil, fmt.Errorf("tfserving: threshold must be in [0,1], got %v", cfg.threshold)
	}

	hc := cfg.client
	if hc == nil {
		hc = &http.Client{}
	}
	if cfg.timeout > 0 {
		clone := *hc
		clone.Timeout = cfg.timeout
		hc = &clone
	}

	return &Provider{
		endpoint:   fmt.Sprintf("%s/v1/models/%s:predict", baseURL, model),
		model:      model,
		threshold:  cfg.threshold,
		shape:      cfg.shape,
		httpClient: hc,
	}, nil
}

// InputShape implements classifier.Provider.
func (p *Provider) InputShape() classifier.Shape {
	return p.shape
}

// ModelID returns the served model name.
func (p *Provider) ModelID() string {
	return p.model
}

type predictRequest struct {
	Instances []any `json:"instances"`
}

type predictResponse struct {
	Predictions []json.RawMessage `json:"predictions"`
	Error       string            `json:"error"`
}

// Predict implements classifier.Provider.
func (p *Provider) Predict(ctx context.Context, f classifier.Features) (classifier.Label, error) {
	if !f.Shape.Equal(p.shape) {
		return "", fmt.Errorf("tfserving: %w: got %s, model expects %s",
			classifier.ErrShapeMismatch, f.Shape, p.shape)
	}
	if err := f.Validate(); err != nil {
		return "", fmt.Errorf("tfserving: %w", err)
	}

	score, err := p.score(ctx, f)
	if err != nil {
		return "", fmt.Errorf("tfserving: predict: %w", err)
	}
	labels := classifier.Labels()
	if score > p.threshold {
		return labels[1], nil
	}
	return labels[0], nil
}

// score sends one instance and returns its sigmoid output.
func (p *Provider) score(ctx context.Context, f classifier.Features) (float64, error) {
	body, err := json.Marshal(predictRequest{Instances: []any{nest(f.Data, f.Shape)}})
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	if result.Error != "" {
		return 0, fmt.Errorf("server error: %s", result.Error)
	}
	if len(result.Predictions) == 0 {
		return 0, errors.New("empty predictions in response")
	}
	return firstScalar(result.Predictions[0])
}

// firstScalar unwraps a prediction that is either a number or a (nested)
// array whose first element is one.
func firstScalar(raw json.RawMessage) (float64, error) {
	for range 8 {
		var v float64
		if err := json.Unmarshal(raw, &v); err == nil {
			return v, nil
		}
		var arr []json.RawMessage
		if err := json.Unmarshal(raw, &arr); err != nil {
			return 0, fmt.Errorf("decode prediction: %w", err)
		}
		if len(arr) == 0 {
			return 0, errors.New("empty prediction")
		}
		raw = arr[0]
	}
	return 0, errors.New("prediction nested too deeply")
}

// nest reshapes row-major data into nested slices following shape, the
// layout the REST API expects for an instance.
func nest(data []float32, shape classifier.Shape) any {
	if len(shape) <= 1 {
		return data
	}
	n := shape[0]
	stride := len(data) / n
	out := make([]any, n)
	for i := range n {
		out[i] = nest(data[i*stride:(i+1)*stride], shape[1:])
	}
	return out
}
