//go:build whisper

// Native inference needs libwhisper.a and whisper.h at link time, found via
// LIBRARY_PATH and C_INCLUDE_PATH.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/ideaflow/pkg/provider/stt"
)

// Native runs whisper.cpp in-process. The model is loaded once and shared by
// all sessions; every utterance gets a fresh inference context.
type Native struct {
	model whisperlib.Model
	opts  options
}

var _ stt.Provider = (*Native)(nil)

// NewNative loads the ggml model at modelPath. Call Close to release it.
func NewNative(modelPath string, opts ...Option) (*Native, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return &Native{model: model, opts: o}, nil
}

// StartStream opens a session on the shared model.
func (p *Native) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	seg := p.opts.streamSegmenter(cfg)
	lang := p.opts.streamLanguage(cfg)
	infer := func(_ context.Context, pcm []byte) (string, error) {
		return p.infer(pcmToFloat32Mono(pcm, seg.channels), lang)
	}
	return startSession(ctx, infer, seg), nil
}

func (p *Native) infer(samples []float32, lang string) (string, error) {
	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("create context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: unsupported language, using model default", "language", lang, "err", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// Close releases the model.
func (p *Native) Close() error {
	if p.model == nil {
		return nil
	}
	return p.model.Close()
}
