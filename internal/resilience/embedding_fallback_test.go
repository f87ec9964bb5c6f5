package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/ycxom/voicegate/pkg/provider/embedding/mock"
)

func TestEmbeddingFallback_PrimarySuccess(t *testing.T) {
	primary := &mock.Provider{ExtractResult: []float32{1, 0, 0}, DimensionsValue: 3}
	secondary := &mock.Provider{ExtractResult: []float32{0, 1, 0}, DimensionsValue: 3}

	fb := NewEmbeddingFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	vec, err := fb.Extract(context.Background(), make([]float64, 1600))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vec[0] != 1 {
		t.Fatalf("vec = %v, want primary result", vec)
	}
	if len(primary.ExtractCalls) != 1 {
		t.Fatalf("primary called %d times, want 1", len(primary.ExtractCalls))
	}
	if len(secondary.ExtractCalls) != 0 {
		t.Fatalf("secondary called %d times, want 0", len(secondary.ExtractCalls))
	}
	if fb.Dimensions() != 3 {
		t.Errorf("dimensions: got %d, want 3", fb.Dimensions())
	}
}

func TestEmbeddingFallback_Failover(t *testing.T) {
	primary := &mock.Provider{ExtractErr: errors.New("sidecar down")}
	secondary := &mock.Provider{ExtractResult: []float32{0, 1, 0}, DimensionsValue: 3}

	fb := NewEmbeddingFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	vec, err := fb.Extract(context.Background(), make([]float64, 1600))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vec[1] != 1 {
		t.Fatalf("vec = %v, want secondary result", vec)
	}
	if len(secondary.ExtractCalls) != 1 {
		t.Fatalf("secondary called %d times, want 1", len(secondary.ExtractCalls))
	}
}

func TestEmbeddingFallback_AllFail(t *testing.T) {
	primary := &mock.Provider{ExtractErr: errors.New("primary down")}
	secondary := &mock.Provider{ExtractErr: errors.New("secondary down")}

	fb := NewEmbeddingFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Extract(context.Background(), make([]float64, 1600))
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestEmbeddingFallback_BreakerSkipsPrimary(t *testing.T) {
	primary := &mock.Provider{ExtractErr: errors.New("primary down")}
	secondary := &mock.Provider{ExtractResult: []float32{0, 1, 0}}

	fb := NewEmbeddingFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2},
	})
	fb.AddFallback("secondary", secondary)

	// Two failures trip the primary's breaker.
	for i := 0; i < 2; i++ {
		if _, err := fb.Extract(context.Background(), nil); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
	}
	calls := len(primary.ExtractCalls)

	// Further calls skip the primary entirely.
	if _, err := fb.Extract(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(primary.ExtractCalls) != calls {
		t.Fatalf("primary called while breaker open")
	}
}
