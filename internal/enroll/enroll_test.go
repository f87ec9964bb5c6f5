package enroll_test

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/ycxom/voicegate/internal/enroll"
	"github.com/ycxom/voicegate/pkg/audio"
	"github.com/ycxom/voicegate/pkg/provider/embedding/mock"
	"github.com/ycxom/voicegate/pkg/template"
	"github.com/ycxom/voicegate/pkg/wakeword"
)

const testRate = 16000

// fakeRecorder returns a pre-queued PCM buffer per capture cycle.
type fakeRecorder struct {
	queue     [][]byte
	capturing bool
	starts    int
}

func (f *fakeRecorder) Format() audio.Format {
	return audio.Format{SampleRate: testRate, Channels: 1}
}

func (f *fakeRecorder) StartCapture() error {
	f.capturing = true
	f.starts++
	return nil
}

func (f *fakeRecorder) StopCapture() []byte {
	f.capturing = false
	if len(f.queue) == 0 {
		return nil
	}
	pcm := f.queue[0]
	f.queue = f.queue[1:]
	return pcm
}

// fakeStore records saved voiceprints.
type fakeStore struct {
	saved []template.Voiceprint
	err   error
}

func (f *fakeStore) Save(_ context.Context, vp template.Voiceprint) error {
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, vp)
	return nil
}

func (f *fakeStore) Delete(context.Context, string) error { return nil }

func (f *fakeStore) List(context.Context) ([]template.Voiceprint, error) {
	return f.saved, nil
}

func tonePCM(seconds float64) []byte {
	n := int(seconds * testRate)
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := 0.5 * math.Sin(2*math.Pi*440*float64(i)/testRate)
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v*32767)))
	}
	return pcm
}

func newTestEnroller(recorder *fakeRecorder, provider *mock.Provider, store *fakeStore) *enroll.Enroller {
	matcher := wakeword.New(wakeword.DefaultConfig(testRate), nil)
	return enroll.New(enroll.Config{Utterances: 3}, recorder, provider, matcher, store, nil)
}

func takeOne(t *testing.T, s *enroll.Session) enroll.Take {
	t.Helper()
	if err := s.BeginUtterance(); err != nil {
		t.Fatalf("BeginUtterance: %v", err)
	}
	take, err := s.EndUtterance(context.Background())
	if err != nil {
		t.Fatalf("EndUtterance: %v", err)
	}
	return take
}

func TestSession_FullEnrollment(t *testing.T) {
	recorder := &fakeRecorder{queue: [][]byte{tonePCM(1), tonePCM(1), tonePCM(1)}}
	provider := &mock.Provider{ExtractResult: []float32{3, 0, 4}, DimensionsValue: 3, ModelIDValue: "test-v1"}
	store := &fakeStore{}
	s := newTestEnroller(recorder, provider, store).NewSession("Alice", "hey aurora")

	for i := 0; i < 3; i++ {
		take := takeOne(t, s)
		if take.Frames == 0 {
			t.Fatalf("take %d: zero exemplar frames", i)
		}
		if take.Duration < 900*time.Millisecond || take.Duration > 1100*time.Millisecond {
			t.Errorf("take %d duration: got %v, want ~1s", i, take.Duration)
		}
	}
	if got := s.Remaining(); got != 0 {
		t.Errorf("remaining: got %d, want 0", got)
	}

	vp, err := s.Complete(context.Background())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if vp.UserID == "" {
		t.Error("voiceprint has empty user ID")
	}
	if vp.DisplayName != "Alice" || vp.WakePhrase != "hey aurora" {
		t.Errorf("identity: got %q / %q", vp.DisplayName, vp.WakePhrase)
	}
	if len(vp.Exemplars) != 3 {
		t.Errorf("exemplars: got %d, want 3", len(vp.Exemplars))
	}

	// Averaging identical [3,0,4] vectors and normalizing yields [0.6,0,0.8].
	var norm float64
	for _, v := range vp.Embedding {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Errorf("embedding norm: got %v, want 1", math.Sqrt(norm))
	}
	if math.Abs(float64(vp.Embedding[0])-0.6) > 1e-5 || math.Abs(float64(vp.Embedding[2])-0.8) > 1e-5 {
		t.Errorf("embedding: got %v, want [0.6 0 0.8]", vp.Embedding)
	}

	if len(store.saved) != 1 || store.saved[0].UserID != vp.UserID {
		t.Errorf("store: saved %d voiceprints", len(store.saved))
	}
	if len(provider.ExtractCalls) != 3 {
		t.Errorf("extract calls: got %d, want 3", len(provider.ExtractCalls))
	}
}

func TestSession_RejectsShortUtterance(t *testing.T) {
	recorder := &fakeRecorder{queue: [][]byte{tonePCM(0.2)}}
	provider := &mock.Provider{ExtractResult: []float32{1, 0, 0}}
	s := newTestEnroller(recorder, provider, &fakeStore{}).NewSession("Bob", "hey aurora")

	if err := s.BeginUtterance(); err != nil {
		t.Fatalf("BeginUtterance: %v", err)
	}
	_, err := s.EndUtterance(context.Background())
	if !errors.Is(err, enroll.ErrUtteranceTooShort) {
		t.Errorf("short take: err = %v, want ErrUtteranceTooShort", err)
	}
	if s.Accepted() != 0 {
		t.Errorf("accepted: got %d, want 0", s.Accepted())
	}
	if len(provider.ExtractCalls) != 0 {
		t.Error("short take reached the embedding provider")
	}
}

func TestSession_RejectsSilentUtterance(t *testing.T) {
	recorder := &fakeRecorder{queue: [][]byte{make([]byte, testRate*2)}}
	provider := &mock.Provider{ExtractResult: []float32{1, 0, 0}}
	s := newTestEnroller(recorder, provider, &fakeStore{}).NewSession("Bob", "hey aurora")

	if err := s.BeginUtterance(); err != nil {
		t.Fatalf("BeginUtterance: %v", err)
	}
	_, err := s.EndUtterance(context.Background())
	if !errors.Is(err, enroll.ErrNoSpeech) {
		t.Errorf("silent take: err = %v, want ErrNoSpeech", err)
	}
}

func TestSession_EndWithoutBegin(t *testing.T) {
	s := newTestEnroller(&fakeRecorder{}, &mock.Provider{}, &fakeStore{}).NewSession("Bob", "hey aurora")
	if _, err := s.EndUtterance(context.Background()); !errors.Is(err, enroll.ErrCaptureNotStarted) {
		t.Errorf("err = %v, want ErrCaptureNotStarted", err)
	}
}

func TestSession_CompleteIncomplete(t *testing.T) {
	recorder := &fakeRecorder{queue: [][]byte{tonePCM(1)}}
	provider := &mock.Provider{ExtractResult: []float32{1, 0, 0}}
	store := &fakeStore{}
	s := newTestEnroller(recorder, provider, store).NewSession("Bob", "hey aurora")

	takeOne(t, s)
	if _, err := s.Complete(context.Background()); !errors.Is(err, enroll.ErrIncomplete) {
		t.Errorf("err = %v, want ErrIncomplete", err)
	}
	if len(store.saved) != 0 {
		t.Error("incomplete session was persisted")
	}
}

func TestSession_EmbeddingFailureDoesNotCount(t *testing.T) {
	recorder := &fakeRecorder{queue: [][]byte{tonePCM(1)}}
	provider := &mock.Provider{ExtractErr: errors.New("model unavailable")}
	s := newTestEnroller(recorder, provider, &fakeStore{}).NewSession("Bob", "hey aurora")

	if err := s.BeginUtterance(); err != nil {
		t.Fatalf("BeginUtterance: %v", err)
	}
	if _, err := s.EndUtterance(context.Background()); err == nil {
		t.Fatal("expected embedding failure to surface")
	}
	if s.Accepted() != 0 {
		t.Errorf("accepted: got %d, want 0", s.Accepted())
	}
}
