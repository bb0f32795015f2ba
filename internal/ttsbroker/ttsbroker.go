// Package ttsbroker forwards speech synthesis and transcription requests
// to configured engines, pads synthesized audio with leading silence,
// caches the voice list, and circuit-breaks each backend independently.
// Grounded on the SFU client's gobreaker wiring (pkg/sfu/client.go):
// one breaker per backend, ErrOpenState mapped to a typed unavailable
// error, state transitions logged rather than exported as metrics.
package ttsbroker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/agentwire/portal/internal/apperr"
	"github.com/agentwire/portal/internal/config"
)

type synthesizeRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

type synthesizeResponse struct {
	Audio string `json:"audio"` // base64 WAV
}

type transcribeResponse struct {
	Text string `json:"text"`
}

type voicesResponse struct {
	Voices []string `json:"voices"`
}

// backend is either network-served (url set, POSTs JSON and reads WAV
// back) or a local process spawn (cmd set, argv run per request with the
// text on stdin and the WAV read from stdout) per spec.md §5.
type backend struct {
	name string
	url  string
	cmd  []string
	cb   *gobreaker.CircuitBreaker
}

// Broker is the TTS/STT broker (C5).
type Broker struct {
	cfg        *config.Config
	httpClient *http.Client
	backends   []*backend
	log        *slog.Logger

	voiceMu     sync.Mutex
	voiceCache  []string
	voiceCached time.Time
}

// New builds a Broker with one circuit breaker per configured backend.
func New(cfg *config.Config, log *slog.Logger) *Broker {
	if log == nil {
		log = slog.Default()
	}
	b := &Broker{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.TTSTimeout},
		log:        log,
	}
	for _, be := range cfg.TTSBackends {
		name := be.Name
		b.backends = append(b.backends, &backend{
			name: name,
			url:  be.URL,
			cmd:  be.Cmd,
			cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        name,
				MaxRequests: 1,
				Interval:    cfg.TTSBreakerWindow,
				Timeout:     cfg.TTSBreakerHalfOpen,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= uint32(cfg.TTSBreakerFailures)
				},
				OnStateChange: func(name string, from, to gobreaker.State) {
					log.Info("tts backend circuit state change", "backend", name, "from", from, "to", to)
				},
			}),
		})
	}
	return b
}

// Synthesize renders text as WAV bytes, trying backends in configured
// order and falling through to the next on TtsUnavailable.
func (b *Broker) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if len(b.backends) == 0 {
		return nil, apperr.New(apperr.TtsUnavailable, "no tts backends configured")
	}

	var lastErr error
	for _, be := range b.backends {
		audio, err := b.synthesizeVia(ctx, be, text, voice)
		if err == nil {
			return prependSilence(audio, b.cfg.TTSSilencePadding), nil
		}
		lastErr = err
		b.log.Warn("tts backend failed, trying next", "backend", be.name, "error", err)
	}
	if lastErr == nil {
		lastErr = apperr.New(apperr.TtsUnavailable, "no tts backends available")
	}
	return nil, lastErr
}

func (b *Broker) synthesizeVia(ctx context.Context, be *backend, text, voice string) ([]byte, error) {
	if len(be.cmd) > 0 {
		return b.synthesizeLocalVia(ctx, be, text, voice)
	}
	result, err := be.cb.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, b.cfg.TTSTimeout)
		defer cancel()

		body, _ := json.Marshal(synthesizeRequest{Text: text, Voice: voice})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, be.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := b.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("synthesize backend returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			data, _ := io.ReadAll(resp.Body)
			return nil, apperr.New(apperr.TtsUnavailable, fmt.Sprintf("synthesize backend rejected request: %s", string(data)))
		}

		var out synthesizeResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, err
		}
		wav, err := base64.StdEncoding.DecodeString(out.Audio)
		if err != nil {
			return nil, fmt.Errorf("decoding synthesize response audio: %w", err)
		}
		return wav, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return nil, apperr.New(apperr.TtsUnavailable, "backend "+be.name+" circuit open")
		}
		if apperr.Is(err, apperr.TtsUnavailable) {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.TtsUnavailable, "synthesize via "+be.name, err)
	}
	return result.([]byte), nil
}

// synthesizeLocalVia runs be.cmd as a child process, feeding text on stdin
// and reading the synthesized WAV back from stdout, under the same circuit
// breaker HTTP backends use.
func (b *Broker) synthesizeLocalVia(ctx context.Context, be *backend, text, voice string) ([]byte, error) {
	result, err := be.cb.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, b.cfg.TTSTimeout)
		defer cancel()

		argv := be.cmd
		if voice != "" {
			argv = append(append([]string{}, be.cmd...), "--voice", voice)
		}
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Stdin = strings.NewReader(text)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("local tts backend %s: %w: %s", be.name, err, stderr.String())
		}
		return stdout.Bytes(), nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return nil, apperr.New(apperr.TtsUnavailable, "backend "+be.name+" circuit open")
		}
		return nil, apperr.Wrap(apperr.TtsUnavailable, "synthesize via "+be.name, err)
	}
	return result.([]byte), nil
}

// wavFormat is the subset of a WAV "fmt " chunk prependSilence needs to
// build silence samples that match the clip's own encoding.
type wavFormat struct {
	channels      uint16
	sampleRate    uint32
	bitsPerSample uint16
}

// parseWAV walks a WAV file's RIFF chunks and returns its format, its PCM
// data bytes, and the byte offset at which that data begins (the position
// right after the "data" chunk's 8-byte id+size header).
func parseWAV(data []byte) (wavFormat, []byte, int, error) {
	var format wavFormat
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return format, nil, 0, fmt.Errorf("not a RIFF/WAVE file")
	}

	offset := 12
	haveFmt := false
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		if size < 0 || body+size > len(data) {
			break
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return format, nil, 0, fmt.Errorf("short fmt chunk")
			}
			format.channels = binary.LittleEndian.Uint16(data[body+2 : body+4])
			format.sampleRate = binary.LittleEndian.Uint32(data[body+4 : body+8])
			format.bitsPerSample = binary.LittleEndian.Uint16(data[body+14 : body+16])
			haveFmt = true
		case "data":
			if !haveFmt {
				return format, nil, 0, fmt.Errorf("data chunk precedes fmt chunk")
			}
			return format, data[body : body+size], body, nil
		}
		offset = body + size
		if size%2 == 1 {
			offset++ // chunks are word-aligned
		}
	}
	return format, nil, 0, fmt.Errorf("no data chunk found")
}

// prependSilence inserts padding worth of silent PCM frames at the front
// of the WAV's data chunk, matching the clip's own channel count/sample
// rate/bit depth, and rewrites the RIFF and data chunk sizes to match. A
// payload that doesn't parse as a well-formed WAV is returned unmodified
// rather than corrupted with raw bytes ahead of its header.
func prependSilence(audio []byte, padding time.Duration) []byte {
	if padding <= 0 {
		return audio
	}
	format, pcm, dataOffset, err := parseWAV(audio)
	if err != nil {
		return audio
	}
	bytesPerFrame := int(format.channels) * int(format.bitsPerSample) / 8
	if bytesPerFrame <= 0 {
		return audio
	}
	silenceFrames := int(padding.Seconds() * float64(format.sampleRate))
	silence := make([]byte, silenceFrames*bytesPerFrame)

	newData := make([]byte, 0, len(silence)+len(pcm))
	newData = append(newData, silence...)
	newData = append(newData, pcm...)

	out := make([]byte, dataOffset, dataOffset+len(newData))
	copy(out, audio[:dataOffset])
	out = append(out, newData...)

	binary.LittleEndian.PutUint32(out[4:8], uint32(len(out)-8))
	binary.LittleEndian.PutUint32(out[dataOffset-4:dataOffset], uint32(len(newData)))

	return out
}

// Transcribe converts audio to text via the configured STT endpoint.
// Empty text after trimming is a valid, non-error result.
func (b *Broker) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.STTTimeout)
	defer cancel()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("audio", "audio")
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "building transcribe request", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", apperr.Wrap(apperr.Internal, "building transcribe request", err)
	}
	if err := writer.Close(); err != nil {
		return "", apperr.Wrap(apperr.Internal, "building transcribe request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.STTEndpoint, &buf)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "building transcribe request", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.SttUnavailable, "transcribe request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return "", apperr.New(apperr.SttUnavailable, fmt.Sprintf("stt engine returned %d: %s", resp.StatusCode, string(data)))
	}

	var out transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperr.Wrap(apperr.Internal, "decoding transcribe response", err)
	}
	return strings.TrimSpace(out.Text), nil
}

// Voices returns the cached voice list, refreshing it if stale. On a
// refresh failure it returns the prior cached list (even if stale)
// rather than erroring, per the broker's fallback policy.
func (b *Broker) Voices(ctx context.Context) ([]string, error) {
	b.voiceMu.Lock()
	defer b.voiceMu.Unlock()

	if time.Since(b.voiceCached) < b.cfg.VoiceCacheTTL && b.voiceCache != nil {
		return b.voiceCache, nil
	}

	if len(b.backends) == 0 {
		if b.voiceCache != nil {
			return b.voiceCache, nil
		}
		return nil, apperr.New(apperr.TtsUnavailable, "no tts backends configured")
	}

	if b.backends[0].url != "" {
		voicesURL := strings.TrimSuffix(b.backends[0].url, "/synthesize") + "/voices"
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, voicesURL, nil)
		if err == nil {
			if resp, err := b.httpClient.Do(req); err == nil {
				defer resp.Body.Close()
				var out voicesResponse
				if resp.StatusCode < 400 && json.NewDecoder(resp.Body).Decode(&out) == nil {
					b.voiceCache = out.Voices
					b.voiceCached = time.Now()
					return b.voiceCache, nil
				}
			}
		}
	}

	if b.voiceCache != nil {
		b.log.Warn("voices refresh failed, serving stale cache")
		return b.voiceCache, nil
	}
	return nil, apperr.New(apperr.TtsUnavailable, "voices unavailable and no cache")
}
