package verify_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/ycxom/voicegate/pkg/provider/embedding/mock"
	"github.com/ycxom/voicegate/pkg/template"
	"github.com/ycxom/voicegate/pkg/verify"
)

func enrolled(userID string, vec []float32) template.Voiceprint {
	return template.Voiceprint{UserID: userID, DisplayName: "Speaker " + userID, Embedding: vec}
}

func TestCosineSimilaritySelf(t *testing.T) {
	v := template.Normalize([]float32{0.3, -0.4, 0.5})
	if sim := verify.CosineSimilarity(v, v); math.Abs(sim-1) > 1e-5 {
		t.Errorf("self similarity: got %v, want 1", sim)
	}
}

func TestCosineSimilarityOrthogonal(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{0, 1, 0}
	if sim := verify.CosineSimilarity(a, b); sim != 0 {
		t.Errorf("orthogonal similarity: got %v, want 0", sim)
	}
}

func TestVerifyMatchingSpeaker(t *testing.T) {
	p := &mock.Provider{ExtractResult: []float32{1, 0, 0}, DimensionsValue: 3}
	v := verify.New(p, verify.WithThreshold(0.7))

	res := v.Verify(context.Background(), make([]byte, 3200), []template.Voiceprint{
		enrolled("u1", []float32{1, 0, 0}),
	})
	if !res.IsVerified {
		t.Fatal("identical embedding not verified")
	}
	if math.Abs(res.Confidence-1.0) > 1e-6 {
		t.Errorf("confidence: got %v, want 1.0", res.Confidence)
	}
	if res.MatchedUserID != "u1" {
		t.Errorf("matched user: got %q, want u1", res.MatchedUserID)
	}
	if res.Error != "" {
		t.Errorf("unexpected error: %q", res.Error)
	}
}

func TestVerifyOppositeSpeaker(t *testing.T) {
	p := &mock.Provider{ExtractResult: []float32{-1, 0, 0}, DimensionsValue: 3}
	v := verify.New(p, verify.WithThreshold(0.7))

	res := v.Verify(context.Background(), make([]byte, 3200), []template.Voiceprint{
		enrolled("u1", []float32{1, 0, 0}),
	})
	if res.IsVerified {
		t.Fatal("opposite embedding verified")
	}
	if res.Confidence != 0 {
		t.Errorf("confidence: got %v, want 0", res.Confidence)
	}
	if res.MatchedUserID != "" {
		t.Errorf("matched user populated on failure: %q", res.MatchedUserID)
	}
}

func TestVerifyPicksBestOfSet(t *testing.T) {
	p := &mock.Provider{ExtractResult: []float32{0.9, 0.1, 0}, DimensionsValue: 3}
	v := verify.New(p, verify.WithThreshold(0.7))

	res := v.Verify(context.Background(), make([]byte, 3200), []template.Voiceprint{
		enrolled("far", []float32{0, 0, 1}),
		enrolled("near", []float32{1, 0, 0}),
		enrolled("mid", []float32{0.5, 0.5, 0}),
	})
	if !res.IsVerified || res.MatchedUserID != "near" {
		t.Errorf("best match: got %+v, want near", res)
	}
}

func TestVerifyNoTemplates(t *testing.T) {
	p := &mock.Provider{ExtractResult: []float32{1, 0, 0}}
	v := verify.New(p)

	res := v.Verify(context.Background(), make([]byte, 3200), nil)
	if res.IsVerified {
		t.Error("verified with no templates")
	}
	if res.Error != "no enrolled templates" {
		t.Errorf("error: got %q", res.Error)
	}
	if len(p.ExtractCalls) != 0 {
		t.Error("extraction attempted despite empty template set")
	}
}

func TestVerifyExtractionFailure(t *testing.T) {
	p := &mock.Provider{ExtractErr: errors.New("model unavailable")}
	v := verify.New(p)

	res := v.Verify(context.Background(), make([]byte, 3200), []template.Voiceprint{
		enrolled("u1", []float32{1, 0, 0}),
	})
	if res.IsVerified {
		t.Error("verified despite extraction failure")
	}
	if res.Confidence != 0 {
		t.Errorf("confidence: got %v, want 0", res.Confidence)
	}
	if res.Error != "model unavailable" {
		t.Errorf("error: got %q", res.Error)
	}
}

func TestVerifyNormalizesUnnormalizedInputs(t *testing.T) {
	// Provider returns a scaled copy of the enrolled direction; similarity
	// must still be 1 after normalization.
	p := &mock.Provider{ExtractResult: []float32{5, 0, 0}}
	v := verify.New(p, verify.WithThreshold(0.99))

	res := v.Verify(context.Background(), make([]byte, 3200), []template.Voiceprint{
		enrolled("u1", []float32{2, 0, 0}),
	})
	if !res.IsVerified {
		t.Errorf("scaled vectors not verified: %+v", res)
	}
}
