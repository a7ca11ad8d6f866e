package tfserving_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/neigh/pkg/provider/classifier"
	"github.com/MrWong99/neigh/pkg/provider/classifier/tfserving"
)

var testShape = classifier.Shape{2, 3, 1}

func features() classifier.Features {
	return classifier.Features{Shape: testShape, Data: []float32{1, 2, 3, 4, 5, 6}}
}

// predictServer answers :predict requests with score and hands every decoded
// instance to check.
func predictServer(t *testing.T, prediction any, check func(instance any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models/neigh:predict" {
			t.Errorf("unexpected path: got %q", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: got %q, want POST", r.Method)
		}
		var req struct {
			Instances []any `json:"instances"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if len(req.Instances) != 1 {
			t.Errorf("instances = %d, want 1", len(req.Instances))
		}
		if check != nil && len(req.Instances) > 0 {
			check(req.Instances[0])
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"predictions": []any{prediction}})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newProvider(t *testing.T, url string, opts ...tfserving.Option) *tfserving.Provider {
	t.Helper()
	opts = append([]tfserving.Option{tfserving.WithInputShape(testShape)}, opts...)
	p, err := tfserving.New(url, "neigh", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := tfserving.New("", "", tfserving.WithInputShape(testShape)); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := tfserving.New("", "neigh"); err == nil {
		t.Error("expected error for missing input shape")
	}
	if _, err := tfserving.New("", "neigh", tfserving.WithInputShape(testShape), tfserving.WithThreshold(1.5)); err == nil {
		t.Error("expected error for out-of-range threshold")
	}
}

func TestPredict_Threshold(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		prediction any
		want       classifier.Label
	}{
		{"low score", []float64{0.1}, classifier.LabelAnimal},
		{"at threshold", []float64{0.5}, classifier.LabelAnimal},
		{"high score", []float64{0.93}, classifier.LabelOther},
		{"bare scalar", 0.8, classifier.LabelOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := predictServer(t, tt.prediction, nil)
			got, err := newProvider(t, srv.URL).Predict(t.Context(), features())
			if err != nil {
				t.Fatalf("Predict: %v", err)
			}
			if got != tt.want {
				t.Errorf("label = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPredict_CustomThreshold(t *testing.T) {
	t.Parallel()

	srv := predictServer(t, []float64{0.6}, nil)
	p := newProvider(t, srv.URL, tfserving.WithThreshold(0.7))
	got, err := p.Predict(t.Context(), features())
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if got != classifier.LabelAnimal {
		t.Errorf("label = %q, want animal", got)
	}
}

func TestPredict_NestsInstance(t *testing.T) {
	t.Parallel()

	srv := predictServer(t, []float64{0.1}, func(instance any) {
		rows, ok := instance.([]any)
		if !ok || len(rows) != 2 {
			t.Errorf("instance = %v, want 2 rows", instance)
			return
		}
		cols, ok := rows[1].([]any)
		if !ok || len(cols) != 3 {
			t.Errorf("row 1 = %v, want 3 columns", rows[1])
			return
		}
		last, ok := cols[2].([]any)
		if !ok || len(last) != 1 || last[0] != float64(6) {
			t.Errorf("innermost = %v, want [6]", cols[2])
		}
	})
	if _, err := newProvider(t, srv.URL).Predict(t.Context(), features()); err != nil {
		t.Fatalf("Predict: %v", err)
	}
}

func TestPredict_ShapeMismatch(t *testing.T) {
	t.Parallel()

	p := newProvider(t, "http://127.0.0.1:19999")
	f := classifier.Features{Shape: classifier.Shape{40, 32, 1}, Data: make([]float32, 1280)}
	if _, err := p.Predict(t.Context(), f); !errors.Is(err, classifier.ErrShapeMismatch) {
		t.Errorf("err = %v, want ErrShapeMismatch", err)
	}
	short := classifier.Features{Shape: testShape, Data: []float32{1}}
	if _, err := p.Predict(t.Context(), short); !errors.Is(err, classifier.ErrShapeMismatch) {
		t.Errorf("err = %v, want ErrShapeMismatch for short data", err)
	}
}

func TestPredict_ServerErrors(t *testing.T) {
	t.Parallel()

	handlers := map[string]http.HandlerFunc{
		"status 500": func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		},
		"malformed json": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("not-json"))
		},
		"error field": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"error":"model not loaded"}`))
		},
		"empty predictions": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"predictions":[]}`))
		},
	}
	for name, h := range handlers {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(h)
			defer srv.Close()
			if _, err := newProvider(t, srv.URL).Predict(t.Context(), features()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestPredict_Timeout(t *testing.T) {
	t.Parallel()

	stopCh := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-stopCh:
		}
	}))
	defer srv.Close()
	defer close(stopCh)

	p := newProvider(t, srv.URL, tfserving.WithTimeout(100*time.Millisecond))
	start := time.Now()
	if _, err := p.Predict(context.Background(), features()); err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Predict took %v despite timeout", elapsed)
	}
}

func TestInputShape(t *testing.T) {
	t.Parallel()

	p := newProvider(t, "")
	if !p.InputShape().Equal(testShape) {
		t.Errorf("InputShape = %s, want %s", p.InputShape(), testShape)
	}
	if p.ModelID() != "neigh" {
		t.Errorf("ModelID = %q", p.ModelID())
	}
}
