package httpapi

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/abel/internal/apperr"
	"github.com/ent0n29/abel/internal/voice"
)

// Uploads above this size are rejected before reaching the provider.
const maxUploadBytes = 26 << 20

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tools == nil {
		respondError(w, r, unavailable("tools"))
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Tools.List())
}

func (s *Server) handleRunTool(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tools == nil {
		respondError(w, r, unavailable("tools"))
		return
	}
	params := map[string]any{}
	if err := decodeJSON(r, &params); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, r, err)
		return
	}
	out, err := s.deps.Tools.Execute(r.Context(), chi.URLParam(r, "name"), params)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	if s.deps.Voice == nil {
		respondError(w, r, unavailable(voice.ServiceName))
		return
	}
	var req struct {
		Text    string `json:"text"`
		VoiceID string `json:"voice_id,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, apperr.Validation("text is required"))
		return
	}
	out, err := s.deps.Voice.Synthesize(r.Context(), req.Text, req.VoiceID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if out.Mock {
		w.Header().Set(MockHeader, "true")
	}
	w.Header().Set("Content-Type", out.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.Audio)
}

// handleSTT accepts a multipart upload (field "audio" or "file") or the raw
// audio as the request body.
func (s *Server) handleSTT(w http.ResponseWriter, r *http.Request) {
	if s.deps.Voice == nil {
		respondError(w, r, unavailable(voice.ServiceName))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	data, filename, err := readUpload(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	out, err := s.deps.Voice.Transcribe(r.Context(), data, filename)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func readUpload(r *http.Request) ([]byte, string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if !strings.HasPrefix(mediaType, "multipart/") {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, "", apperr.Validation("audio upload is too large or unreadable")
		}
		return data, "", nil
	}

	if err := r.ParseMultipartForm(8 << 20); err != nil {
		return nil, "", apperr.Validation("invalid multipart upload")
	}
	defer r.MultipartForm.RemoveAll()
	for _, field := range []string{"audio", "file"} {
		f, hdr, err := r.FormFile(field)
		if err != nil {
			continue
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return nil, "", apperr.Validation("audio upload is unreadable")
		}
		return data, hdr.Filename, nil
	}
	return nil, "", apperr.Validation("audio file is required")
}
