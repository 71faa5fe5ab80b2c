package api

import (
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path"
	"stashbin/cfg"
	"stashbin/pkg/domain"
	"stashbin/svc/svc"
	"stashbin/svc/util"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

// envelopeOverhead allows for field names, escaping and multipart headers
// around a wrapped paste.
const envelopeOverhead = 4096

type Hdl struct {
	paste   *svc.Paste
	cfg     *cfg.Cfg
	presets domain.Presets
}
type CreateReq struct {
	Content   string `json:"content"`
	Extension string `json:"extension,omitempty"`
	Expires   string `json:"expires,omitempty"`
}
type CreateResp struct {
	ID        string     `json:"id"`
	URL       string     `json:"url"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// CreatePaste accepts a JSON document, a multipart upload with a "file" part,
// a form with a "content" field, or the raw paste bytes. Hints missing from the
// body come from the query string or the X-Paste-Extension and X-Paste-Expires
// headers.
func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	if ce := r.Header.Get("Content-Encoding"); ce != "" && ce != "identity" {
		log.Warn().Str("content_encoding", ce).Msg("compressed content not allowed")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	req, content, err := h.decodeCreate(w, r)
	if err != nil {
		log.Warn().Err(err).Msg("invalid create request")
		writeErr(w, err, requestID)
		return
	}
	expiresAt, err := domain.ParseExpiry(req.Expires, time.Now(), h.presets)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	paste, err := h.paste.Create(r.Context(), domain.CreateParams{
		Content:   content,
		Extension: req.Extension,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	resp := CreateResp{
		ID:        paste.ID,
		URL:       h.cfg.BaseURL + "/pastes/" + paste.DisplayName(),
		ExpiresAt: paste.ExpiresAt,
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", resp.URL)
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}
func (h *Hdl) decodeCreate(w http.ResponseWriter, r *http.Request) (CreateReq, []byte, error) {
	maxSize := int64(h.cfg.MaxPasteSize)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	limit := maxSize
	switch mediaType {
	case "application/json":
		limit = maxSize*2 + envelopeOverhead
	case "multipart/form-data":
		limit = maxSize + envelopeOverhead
	case "application/x-www-form-urlencoded":
		limit = maxSize*3 + envelopeOverhead
	}
	if r.ContentLength > limit {
		return CreateReq{}, nil, domain.ErrPasteTooLarge
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	var (
		req     CreateReq
		content []byte
		err     error
	)
	switch mediaType {
	case "application/json":
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		err = dec.Decode(&req)
		content = []byte(req.Content)
	case "multipart/form-data":
		req, content, err = decodeMultipart(r, maxSize)
	case "application/x-www-form-urlencoded":
		if err = r.ParseForm(); err == nil {
			content = []byte(r.PostForm.Get("content"))
			req.Extension = r.PostForm.Get("extension")
			req.Expires = r.PostForm.Get("expires")
		}
	default:
		content, err = io.ReadAll(r.Body)
	}
	if err != nil {
		var de *domain.Err
		switch {
		case isTooLarge(err):
			return req, nil, domain.ErrPasteTooLarge
		case errors.As(err, &de):
			return req, nil, err
		}
		return req, nil, domain.ErrInvalidRequest
	}
	if int64(len(content)) > maxSize {
		return req, nil, domain.ErrPasteTooLarge
	}
	if mediaType != "application/json" {
		q := r.URL.Query()
		req.Extension = firstNonEmpty(req.Extension, q.Get("extension"), r.Header.Get("X-Paste-Extension"))
		req.Expires = firstNonEmpty(req.Expires, q.Get("expires"), r.Header.Get("X-Paste-Expires"))
	}
	return req, content, nil
}

// decodeMultipart reads the "file" part. Without an explicit extension field
// the uploaded file name supplies one, if it carries a usable one.
func decodeMultipart(r *http.Request, maxSize int64) (CreateReq, []byte, error) {
	var req CreateReq
	if err := r.ParseMultipartForm(maxSize + envelopeOverhead); err != nil {
		if errors.Is(err, multipart.ErrMessageTooLarge) {
			return req, nil, domain.ErrPasteTooLarge
		}
		return req, nil, err
	}
	defer r.MultipartForm.RemoveAll()
	file, header, err := r.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return req, nil, domain.ErrContentRequired
		}
		return req, nil, err
	}
	defer file.Close()
	content, err := io.ReadAll(io.LimitReader(file, maxSize+1))
	if err != nil {
		return req, nil, err
	}
	req.Extension = r.PostFormValue("extension")
	req.Expires = r.PostFormValue("expires")
	if req.Extension == "" {
		if ext, err := domain.NormalizeExtension(path.Ext(header.Filename)); err == nil {
			req.Extension = ext
		}
	}
	return req, content, nil
}
func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	paste, data, err := h.paste.Read(r.Context(), id)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	hdr := w.Header()
	hdr.Set("Content-Type", "text/plain; charset=utf-8")
	hdr.Set("Content-Length", strconv.Itoa(len(data)))
	hdr.Set("X-Paste-Size", strconv.FormatInt(paste.Size, 10))
	if paste.Extension != "" {
		hdr.Set("X-Paste-Extension", paste.Extension)
	}
	if paste.ExpiresAt != nil {
		hdr.Set("X-Paste-Expires", paste.ExpiresAt.UTC().Format(time.RFC3339))
	}
	hdr.Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
func (h *Hdl) DeletePaste(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	if err := h.paste.Delete(r.Context(), id); err != nil {
		writeErr(w, err, requestID)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
}
func (h *Hdl) GetPresets(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.presets.Names())
}

// writeErr renders err as {"error","request_id"}. Only sentinel messages reach
// the client; causes are logged.
func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	if statusCode >= 500 {
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("request failed")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error":      domain.ToResp(err).Error.Msg,
		"request_id": requestID,
	})
}
func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}
func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
