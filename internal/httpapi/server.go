// internal/httpapi/server.go

// Package httpapi exposes the producer side of the pipeline: session
// creation, raw image upload, job triggers and status polling. Auth,
// catalog and checkout live elsewhere; the only identity input is the
// X-User-ID header a fronting gateway sets.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hainaria/tryon-pipeline/internal/crypto"
	"github.com/hainaria/tryon-pipeline/internal/objstore"
	"github.com/hainaria/tryon-pipeline/internal/store"
	"github.com/hainaria/tryon-pipeline/pkg/schema"
)

// maxUploadBytes caps raw image uploads at 5MB.
const maxUploadBytes = 5 << 20

// Enqueuer hands a job to a durable queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job schema.Job) error
}

type Server struct {
	store   store.Store
	objects objstore.Store
	bgQueue Enqueuer
	tryOn   Enqueuer
	cipher  *crypto.Cipher
	logger  *slog.Logger
}

// New builds the API server. cipher may be nil, which disables share links.
func New(st store.Store, objects objstore.Store, bgQueue, tryOn Enqueuer, cipher *crypto.Cipher, logger *slog.Logger) *Server {
	return &Server{store: st, objects: objects, bgQueue: bgQueue, tryOn: tryOn, cipher: cipher, logger: logger}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Route("/tryon", func(r chi.Router) {
		r.Post("/session", s.createSession)
		r.Post("/{id}/upload", s.uploadImage)
		r.Post("/{id}/bg-remove", s.triggerBGRemoval)
		r.Post("/{id}/try", s.triggerTryOn)
		r.Get("/shared", s.getSharedSession)
		r.Get("/{id}", s.getSession)
	})
	return r
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = "anonymous"
	}
	sess, err := s.store.CreateSession(r.Context(), userID)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "could not create session", err)
		return
	}

	payload := map[string]any{"sessionId": sess.ID, "status": sess.Status}
	if s.cipher != nil {
		token, err := s.cipher.Encrypt(sess.ID)
		if err != nil {
			s.fail(w, r, http.StatusInternalServerError, "could not issue share token", err)
			return
		}
		payload["shareToken"] = token
	}
	s.ok(w, payload)
}

func (s *Server) uploadImage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		s.notFoundOr500(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("image")
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, "no image uploaded", err)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, "could not read upload", err)
		return
	}
	if ct := http.DetectContentType(data); !strings.HasPrefix(ct, "image/") {
		s.fail(w, r, http.StatusBadRequest, "file must be an image", fmt.Errorf("detected %s", ct))
		return
	}

	name := fmt.Sprintf("%d-%s", time.Now().UnixMilli(), sanitizeFilename(header.Filename))
	rawURL, err := s.objects.Put(r.Context(), data, "raw", name)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "could not store image", err)
		return
	}

	if err := s.store.CreateAsset(r.Context(), &store.Asset{SessionID: id, Type: schema.AssetRaw, URL: rawURL}); err != nil {
		s.fail(w, r, http.StatusInternalServerError, "could not record upload", err)
		return
	}
	err = s.store.TransitionSession(r.Context(), id,
		store.SessionUpdate{Status: schema.SessionUploaded},
		schema.SessionPending, schema.SessionUploaded, schema.SessionFailed)
	if err != nil {
		if errors.Is(err, store.ErrIllegalTransition) {
			s.fail(w, r, http.StatusConflict, "session not accepting uploads", err)
			return
		}
		s.fail(w, r, http.StatusInternalServerError, "could not update session", err)
		return
	}
	s.ok(w, map[string]any{"status": schema.SessionUploaded, "url": rawURL})
}

func (s *Server) triggerBGRemoval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.notFoundOr500(w, r, err)
		return
	}
	if sess.Status != schema.SessionUploaded {
		s.fail(w, r, http.StatusConflict, "invalid state for background removal", fmt.Errorf("status %s", sess.Status))
		return
	}

	rawURL, err := s.latestAsset(r.Context(), id, schema.AssetRaw)
	if err != nil {
		s.fail(w, r, http.StatusNotFound, "raw image not found", err)
		return
	}

	job := schema.Job{SessionID: id, ImageURL: rawURL, Kind: schema.JobKindBGRemoval}
	if err := s.bgQueue.Enqueue(r.Context(), job); err != nil {
		s.fail(w, r, http.StatusInternalServerError, "could not enqueue job", err)
		return
	}
	s.ok(w, map[string]any{"status": sess.Status, "queued": true})
}

func (s *Server) triggerTryOn(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.notFoundOr500(w, r, err)
		return
	}
	if sess.Status != schema.SessionBGRemovalDone && sess.Status != schema.SessionTryOnDone {
		s.fail(w, r, http.StatusConflict, "invalid state for try-on", fmt.Errorf("status %s", sess.Status))
		return
	}

	var body struct {
		GarmentURL string `json:"garmentUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.GarmentURL == "" {
		s.fail(w, r, http.StatusBadRequest, "garmentUrl is required", err)
		return
	}

	job := schema.Job{
		SessionID:  id,
		ImageURL:   sess.CurrentResultURL,
		GarmentURL: body.GarmentURL,
		Kind:       schema.JobKindTryOn,
	}
	if err := s.tryOn.Enqueue(r.Context(), job); err != nil {
		s.fail(w, r, http.StatusInternalServerError, "could not enqueue job", err)
		return
	}
	s.ok(w, map[string]any{"status": sess.Status, "queued": true})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	s.writeSessionView(w, r, chi.URLParam(r, "id"))
}

// getSharedSession resolves an encrypted share token issued at session
// creation, so result links can be handed out without exposing session ids.
func (s *Server) getSharedSession(w http.ResponseWriter, r *http.Request) {
	if s.cipher == nil {
		s.fail(w, r, http.StatusNotFound, "sharing is not enabled", nil)
		return
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		s.fail(w, r, http.StatusBadRequest, "token is required", nil)
		return
	}
	id, err := s.cipher.Decrypt(token)
	if err != nil {
		s.fail(w, r, http.StatusNotFound, "invalid share token", err)
		return
	}
	s.writeSessionView(w, r, id)
}

func (s *Server) writeSessionView(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.notFoundOr500(w, r, err)
		return
	}
	assets, err := s.store.ListAssets(r.Context(), id)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "could not list assets", err)
		return
	}

	type assetView struct {
		Type       schema.AssetType `json:"type"`
		URL        string           `json:"url"`
		PreviewURL string           `json:"previewUrl,omitempty"`
	}
	views := make([]assetView, 0, len(assets))
	for _, a := range assets {
		views = append(views, assetView{Type: a.Type, URL: a.URL, PreviewURL: a.PreviewURL})
	}
	s.ok(w, map[string]any{
		"session": map[string]any{
			"id":               sess.ID,
			"status":           sess.Status,
			"currentResultUrl": sess.CurrentResultURL,
		},
		"assets": views,
	})
}

func (s *Server) latestAsset(ctx context.Context, sessionID string, typ schema.AssetType) (string, error) {
	assets, err := s.store.ListAssets(ctx, sessionID)
	if err != nil {
		return "", err
	}
	for i := len(assets) - 1; i >= 0; i-- {
		if assets[i].Type == typ {
			return assets[i].URL, nil
		}
	}
	return "", fmt.Errorf("no %s asset for session %s", typ, sessionID)
}

func (s *Server) ok(w http.ResponseWriter, payload map[string]any) {
	payload["ok"] = true
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, code int, message string, err error) {
	s.logger.Warn("request failed", "path", r.URL.Path, "code", code, "message", message, "err", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "message": message})
}

func (s *Server) notFoundOr500(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.fail(w, r, http.StatusNotFound, "session not found", err)
		return
	}
	s.fail(w, r, http.StatusInternalServerError, "could not load session", err)
}

func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, " ", "-")
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "upload.png"
	}
	return name
}
