package voice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/abel/internal/apperr"
)

const provider = "elevenlabs"

func (c *Client) probe(ctx context.Context) error {
	if c.cfg.APIKey == "" {
		return apperr.Configuration(provider, "ELEVENLABS_API_KEY")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/models", nil)
	if err != nil {
		return apperr.Invalid(provider, "ELEVENLABS_BASE_URL", err)
	}
	req.Header.Set("xi-api-key", c.cfg.APIKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Upstream(provider, "probe", 0, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return apperr.Upstream(provider, "probe", resp.StatusCode, nil)
	}
	return nil
}

type ttsMessage struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// streamTTS sends text over the stream-input websocket and collects audio
// until the provider marks the output final.
func (c *Client) streamTTS(ctx context.Context, text, voiceID string) ([]byte, error) {
	u, err := url.Parse(c.cfg.WSBaseURL + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input")
	if err != nil {
		return nil, apperr.Invalid(provider, "ELEVENLABS_WS_BASE_URL", err)
	}
	q := u.Query()
	q.Set("model_id", c.cfg.TTSModelID)
	q.Set("output_format", c.cfg.OutputFormat)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", c.cfg.APIKey)

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		status := 0
		if resp != nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}
		return nil, apperr.Upstream(provider, "tts_dial", status, err)
	}
	defer conn.Close()
	// Unblocks ReadMessage when the caller gives up.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for _, msg := range []map[string]any{
		{"text": " ", "voice_settings": voiceSettings(c.cfg.Settings)},
		{"text": text + " ", "try_trigger_generation": true},
		{"text": ""},
	} {
		if err := conn.WriteJSON(msg); err != nil {
			return nil, c.streamErr(ctx, "tts_write", err)
		}
	}

	var audio bytes.Buffer
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && audio.Len() > 0 {
				return audio.Bytes(), nil
			}
			return nil, c.streamErr(ctx, "tts_read", err)
		}
		var msg ttsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			return nil, apperr.Upstream(provider, "tts", 0, errors.New(msg.Error))
		}
		if msg.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				return nil, apperr.Upstream(provider, "tts", 0, fmt.Errorf("decode audio chunk: %w", err))
			}
			audio.Write(chunk)
		}
		if msg.IsFinal {
			if audio.Len() == 0 {
				return nil, apperr.Upstream(provider, "tts", 0, errors.New("no audio returned"))
			}
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return audio.Bytes(), nil
		}
	}
}

func (c *Client) streamErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return apperr.Upstream(provider, op, 0, err)
}

type sttResponse struct {
	Text         string `json:"text"`
	LanguageCode string `json:"language_code"`
}

func (c *Client) transcribe(ctx context.Context, audio []byte, filename string) (Transcript, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("model_id", c.cfg.STTModelID); err != nil {
		return Transcript{}, fmt.Errorf("encode model_id: %w", err)
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return Transcript{}, fmt.Errorf("encode audio: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return Transcript{}, fmt.Errorf("encode audio: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Transcript{}, fmt.Errorf("encode form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/speech-to-text", &body)
	if err != nil {
		return Transcript{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("xi-api-key", c.cfg.APIKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Transcript{}, ctx.Err()
		}
		return Transcript{}, apperr.Upstream(provider, "stt", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Transcript{}, apperr.Validation("audio could not be processed")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Transcript{}, apperr.Upstream(provider, "stt", resp.StatusCode, nil)
	}
	var out sttResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Transcript{}, apperr.Upstream(provider, "stt", resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	return Transcript{Text: out.Text, Language: out.LanguageCode}, nil
}
