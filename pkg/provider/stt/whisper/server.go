package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/MrWong99/ideaflow/pkg/provider/stt"
)

// Server transcribes through a whisper-server instance (POST /inference).
// Multiple sessions may be open at once; each owns its buffer and goroutine.
type Server struct {
	url        string
	opts       options
	httpClient *http.Client
}

var _ stt.Provider = (*Server)(nil)

// NewServer returns a provider for the whisper-server listening at serverURL.
func NewServer(serverURL string, opts ...Option) (*Server, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return &Server{
		url:        strings.TrimRight(serverURL, "/"),
		opts:       o,
		httpClient: &http.Client{Timeout: o.timeout},
	}, nil
}

// StartStream opens a session. cfg.SampleRate, cfg.Channels and cfg.Language
// override the provider defaults when set.
func (p *Server) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	seg := p.opts.streamSegmenter(cfg)
	lang := p.opts.streamLanguage(cfg)
	infer := func(ctx context.Context, pcm []byte) (string, error) {
		return p.inference(ctx, encodeWAV(pcm, seg.sampleRate, seg.channels), lang)
	}
	return startSession(ctx, infer, seg), nil
}

func (p *Server) inference(ctx context.Context, wav []byte, lang string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("write wav data: %w", err)
	}
	fields := map[string]string{"response_format": "json", "language": lang, "model": p.opts.model}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return "", fmt.Errorf("write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("inference request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var result struct {
		Text  string `json:"text"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("server error: %s", result.Error)
	}
	return result.Text, nil
}
