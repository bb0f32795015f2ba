package ttsbroker

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentwire/portal/internal/apperr"
	"github.com/agentwire/portal/internal/config"
)

// testWAV builds a minimal canonical 16-bit PCM WAV file: a RIFF/WAVE
// container with one "fmt " chunk and one "data" chunk holding samples.
func testWAV(channels uint16, sampleRate uint32, samples []byte) []byte {
	bitsPerSample := uint16(16)
	blockAlign := channels * bitsPerSample / 8
	byteRate := sampleRate * uint32(blockAlign)

	buf := make([]byte, 0, 44+len(samples))
	buf = append(buf, "RIFF"...)
	buf = appendUint32(buf, uint32(36+len(samples)))
	buf = append(buf, "WAVE"...)
	buf = append(buf, "fmt "...)
	buf = appendUint32(buf, 16)
	buf = appendUint16(buf, 1) // PCM
	buf = appendUint16(buf, channels)
	buf = appendUint32(buf, sampleRate)
	buf = appendUint32(buf, byteRate)
	buf = appendUint16(buf, blockAlign)
	buf = appendUint16(buf, bitsPerSample)
	buf = append(buf, "data"...)
	buf = appendUint32(buf, uint32(len(samples)))
	buf = append(buf, samples...)
	return buf
}

func appendUint32(buf []byte, v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return append(buf, b...)
}

func appendUint16(buf []byte, v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return append(buf, b...)
}

func testConfig(backends ...config.TTSBackend) *config.Config {
	return &config.Config{
		TTSBackends:        backends,
		TTSTimeout:         2 * time.Second,
		STTTimeout:         2 * time.Second,
		TTSBreakerFailures: 3,
		TTSBreakerWindow:   30 * time.Second,
		TTSBreakerHalfOpen: 60 * time.Second,
		VoiceCacheTTL:      30 * time.Second,
		TTSSilencePadding:  0,
	}
}

func TestSynthesizeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(synthesizeResponse{Audio: base64.StdEncoding.EncodeToString([]byte("wav-bytes"))})
	}))
	defer srv.Close()

	b := New(testConfig(config.TTSBackend{Name: "primary", URL: srv.URL}), nil)
	audio, err := b.Synthesize(context.Background(), "hello", "")
	if err != nil {
		t.Fatalf("Synthesize returned error: %v", err)
	}
	if string(audio) != "wav-bytes" {
		t.Errorf("unexpected audio payload: %q", audio)
	}
}

func TestSynthesizeFallsBackToNextBackend(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	working := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(synthesizeResponse{Audio: "b3K="})
	}))
	defer working.Close()

	b := New(testConfig(
		config.TTSBackend{Name: "primary", URL: failing.URL},
		config.TTSBackend{Name: "secondary", URL: working.URL},
	), nil)

	audio, err := b.Synthesize(context.Background(), "hello", "")
	if err != nil {
		t.Fatalf("Synthesize returned error: %v", err)
	}
	if string(audio) != "or" {
		t.Errorf("expected fallback backend's audio, got %q", audio)
	}
}

func TestSynthesizeLocalBackendRunsCommand(t *testing.T) {
	b := New(testConfig(config.TTSBackend{Name: "local", Cmd: []string{"cat"}}), nil)
	audio, err := b.Synthesize(context.Background(), "hello", "")
	if err != nil {
		t.Fatalf("Synthesize returned error: %v", err)
	}
	if string(audio) != "hello" {
		t.Errorf("expected local backend to echo stdin via cat, got %q", audio)
	}
}

func TestSynthesizeLocalBackendFailureFallsBack(t *testing.T) {
	working := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(synthesizeResponse{Audio: "b3K="})
	}))
	defer working.Close()

	b := New(testConfig(
		config.TTSBackend{Name: "local", Cmd: []string{"false"}},
		config.TTSBackend{Name: "secondary", URL: working.URL},
	), nil)

	audio, err := b.Synthesize(context.Background(), "hello", "")
	if err != nil {
		t.Fatalf("Synthesize returned error: %v", err)
	}
	if string(audio) != "or" {
		t.Errorf("expected fallback backend's audio, got %q", audio)
	}
}

func TestSynthesizeNoBackendsConfigured(t *testing.T) {
	b := New(testConfig(), nil)
	_, err := b.Synthesize(context.Background(), "hello", "")
	if !apperr.Is(err, apperr.TtsUnavailable) {
		t.Errorf("expected TtsUnavailable, got %v", err)
	}
}

func TestSynthesizeAllBackendsFail(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	b := New(testConfig(config.TTSBackend{Name: "only", URL: failing.URL}), nil)
	_, err := b.Synthesize(context.Background(), "hello", "")
	if !apperr.Is(err, apperr.TtsUnavailable) {
		t.Errorf("expected TtsUnavailable, got %v", err)
	}
}

func TestPrependSilenceNoopWhenZero(t *testing.T) {
	wav := testWAV(1, 22050, []byte{1, 2, 3, 4})
	got := prependSilence(wav, 0)
	if string(got) != string(wav) {
		t.Errorf("prependSilence with zero padding should be a no-op")
	}
}

func TestPrependSilenceNonWAVPassesThrough(t *testing.T) {
	got := prependSilence([]byte("not a wav file"), 300*time.Millisecond)
	if string(got) != "not a wav file" {
		t.Errorf("expected non-WAV payload to pass through unmodified, got %q", got)
	}
}

func TestPrependSilencePreservesContainer(t *testing.T) {
	samples := []byte{1, 2, 3, 4}
	wav := testWAV(1, 22050, samples)

	got := prependSilence(wav, 300*time.Millisecond)
	if len(got) <= len(wav) {
		t.Fatalf("expected padded output to be longer than input")
	}

	format, pcm, dataOffset, err := parseWAV(got)
	if err != nil {
		t.Fatalf("parseWAV(padded output) returned error: %v", err)
	}
	if format.sampleRate != 22050 || format.channels != 1 || format.bitsPerSample != 16 {
		t.Errorf("padded output changed the fmt chunk: %+v", format)
	}
	if string(pcm[len(pcm)-len(samples):]) != string(samples) {
		t.Errorf("expected original samples preserved at the end of the data chunk")
	}
	riffSize := binary.LittleEndian.Uint32(got[4:8])
	if int(riffSize) != len(got)-8 {
		t.Errorf("RIFF chunk size = %d, want %d", riffSize, len(got)-8)
	}
	dataSize := binary.LittleEndian.Uint32(got[dataOffset-4 : dataOffset])
	if int(dataSize) != len(pcm) {
		t.Errorf("data chunk size = %d, want %d", dataSize, len(pcm))
	}
}

func TestTranscribeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(transcribeResponse{Text: "  hello world  "})
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.STTEndpoint = srv.URL
	b := New(cfg, nil)

	text, err := b.Transcribe(context.Background(), []byte("fake-audio"), "audio/wav")
	if err != nil {
		t.Fatalf("Transcribe returned error: %v", err)
	}
	if text != "hello world" {
		t.Errorf("Transcribe = %q, want trimmed %q", text, "hello world")
	}
}

func TestTranscribeEngineError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.STTEndpoint = srv.URL
	b := New(cfg, nil)

	_, err := b.Transcribe(context.Background(), []byte("fake-audio"), "audio/wav")
	if !apperr.Is(err, apperr.SttUnavailable) {
		t.Errorf("expected SttUnavailable, got %v", err)
	}
}

func TestVoicesCachesAndFallsBackToStale(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			json.NewEncoder(w).Encode(voicesResponse{Voices: []string{"nova", "echo"}})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig(config.TTSBackend{Name: "primary", URL: srv.URL + "/synthesize"})
	cfg.VoiceCacheTTL = 0 // force a refresh attempt on every call
	b := New(cfg, nil)

	voices, err := b.Voices(context.Background())
	if err != nil {
		t.Fatalf("Voices returned error: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("voices = %v", voices)
	}

	// Second call hits the failing response; should serve the stale cache.
	stale, err := b.Voices(context.Background())
	if err != nil {
		t.Fatalf("Voices (stale) returned error: %v", err)
	}
	if len(stale) != 2 {
		t.Errorf("expected stale cache of 2 voices, got %v", stale)
	}
}
