package template_test

import (
	"math"
	"testing"

	"github.com/ycxom/voicegate/pkg/template"
)

func norm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

func TestNormalizeUnitLength(t *testing.T) {
	vec := template.Normalize([]float32{3, 4, 0})
	if math.Abs(norm(vec)-1) > 1e-6 {
		t.Errorf("norm: got %v, want 1", norm(vec))
	}
	if math.Abs(float64(vec[0])-0.6) > 1e-6 || math.Abs(float64(vec[1])-0.8) > 1e-6 {
		t.Errorf("direction changed: %v", vec)
	}
}

func TestNormalizeZeroVector(t *testing.T) {
	vec := template.Normalize([]float32{0, 0, 0})
	for i, v := range vec {
		if v != 0 {
			t.Errorf("component %d: got %v, want 0", i, v)
		}
	}
}

func TestAverageEmbeddings(t *testing.T) {
	avg, err := template.AverageEmbeddings([][]float32{
		{1, 0, 0},
		{0, 1, 0},
	})
	if err != nil {
		t.Fatalf("AverageEmbeddings: %v", err)
	}
	// Average is (0.5, 0.5, 0); normalized to (1/√2, 1/√2, 0).
	want := 1 / math.Sqrt2
	if math.Abs(float64(avg[0])-want) > 1e-6 || math.Abs(float64(avg[1])-want) > 1e-6 {
		t.Errorf("got %v, want [%v %v 0]", avg, want, want)
	}
	if math.Abs(norm(avg)-1) > 1e-6 {
		t.Errorf("result not unit length: %v", norm(avg))
	}
}

func TestAverageEmbeddingsErrors(t *testing.T) {
	if _, err := template.AverageEmbeddings(nil); err == nil {
		t.Error("empty input: want error")
	}
	if _, err := template.AverageEmbeddings([][]float32{{1, 0}, {1, 0, 0}}); err == nil {
		t.Error("dimension mismatch: want error")
	}
}
