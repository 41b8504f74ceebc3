package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/hainaria/tryon-pipeline/internal/crypto"
	"github.com/hainaria/tryon-pipeline/internal/objstore"
	"github.com/hainaria/tryon-pipeline/internal/store"
	"github.com/hainaria/tryon-pipeline/pkg/schema"
)

type fakeQueue struct {
	mu   sync.Mutex
	jobs []schema.Job
}

func (q *fakeQueue) Enqueue(ctx context.Context, job schema.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) last(t *testing.T) schema.Job {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		t.Fatal("no job enqueued")
	}
	return q.jobs[len(q.jobs)-1]
}

type env struct {
	store   *store.Memory
	objects *objstore.FileStore
	bg      *fakeQueue
	tryOn   *fakeQueue
	srv     *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	objects, err := objstore.NewFileStore(t.TempDir(), "/uploads")
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	st := store.NewMemory()
	bg, tryOn := &fakeQueue{}, &fakeQueue{}
	cipher, err := crypto.NewCipher("test-secret")
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(New(st, objects, bg, tryOn, cipher, logger).Router())
	t.Cleanup(srv.Close)
	return &env{store: st, objects: objects, bg: bg, tryOn: tryOn, srv: srv}
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

// tinyPNG is a 1x1 transparent PNG, enough to pass content sniffing.
var tinyPNG = []byte{
	0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00, 0x00, 0x00, 0x0D,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1F, 0x15, 0xC4, 0x89, 0x00, 0x00, 0x00,
	0x0D, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9C, 0x62, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0D, 0x0A, 0x2D, 0xB4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4E, 0x44, 0xAE, 0x42, 0x60, 0x82,
}

func (e *env) createSession(t *testing.T) string {
	t.Helper()
	resp, err := http.Post(e.srv.URL+"/tryon/session", "application/json", nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	body := decode(t, resp)
	id, _ := body["sessionId"].(string)
	if id == "" {
		t.Fatalf("no session id in %v", body)
	}
	return id
}

func (e *env) upload(t *testing.T, sessionID string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("image", "me.png")
	_, _ = fw.Write(tinyPNG)
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/tryon/"+sessionID+"/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	return resp
}

func TestSessionLifecycleThroughAPI(t *testing.T) {
	e := newEnv(t)
	id := e.createSession(t)

	resp := e.upload(t, id)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status %d", resp.StatusCode)
	}
	body := decode(t, resp)
	if body["status"] != string(schema.SessionUploaded) {
		t.Fatalf("unexpected status after upload: %v", body["status"])
	}

	resp, err := http.Post(e.srv.URL+"/tryon/"+id+"/bg-remove", "application/json", nil)
	if err != nil {
		t.Fatalf("bg-remove: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bg-remove status %d", resp.StatusCode)
	}
	resp.Body.Close()

	job := e.bg.last(t)
	if job.SessionID != id || job.Kind != schema.JobKindBGRemoval {
		t.Fatalf("unexpected job: %+v", job)
	}
	if !strings.HasPrefix(job.ImageURL, "/uploads/raw/") {
		t.Fatalf("job should point at the uploaded raw asset: %s", job.ImageURL)
	}
}

func TestUploadRejectsNonImage(t *testing.T) {
	e := newEnv(t)
	id := e.createSession(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("image", "notes.txt")
	_, _ = fw.Write([]byte("plain text, not an image"))
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/tryon/"+id+"/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-image upload, got %d", resp.StatusCode)
	}
}

func TestBGRemoveRequiresUploadedState(t *testing.T) {
	e := newEnv(t)
	id := e.createSession(t)

	resp, err := http.Post(e.srv.URL+"/tryon/"+id+"/bg-remove", "application/json", nil)
	if err != nil {
		t.Fatalf("bg-remove: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for PENDING session, got %d", resp.StatusCode)
	}
	if len(e.bg.jobs) != 0 {
		t.Fatal("no job may be enqueued for an invalid state")
	}
}

func TestTryOnEnqueuesWithCurrentResult(t *testing.T) {
	e := newEnv(t)
	id := e.createSession(t)
	ctx := context.Background()

	// Simulate a finished background-removal step.
	_ = e.store.TransitionSession(ctx, id, store.SessionUpdate{
		Status:           schema.SessionBGRemovalDone,
		CurrentResultURL: "/uploads/tryon/cutout-x.png",
	})

	payload := strings.NewReader(`{"garmentUrl": "/uploads/products/dress.png"}`)
	resp, err := http.Post(e.srv.URL+"/tryon/"+id+"/try", "application/json", payload)
	if err != nil {
		t.Fatalf("try: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("try status %d", resp.StatusCode)
	}

	job := e.tryOn.last(t)
	if job.Kind != schema.JobKindTryOn || job.ImageURL != "/uploads/tryon/cutout-x.png" || job.GarmentURL != "/uploads/products/dress.png" {
		t.Fatalf("unexpected try-on job: %+v", job)
	}
}

func TestTryOnRejectsMissingGarment(t *testing.T) {
	e := newEnv(t)
	id := e.createSession(t)
	_ = e.store.TransitionSession(context.Background(), id, store.SessionUpdate{Status: schema.SessionBGRemovalDone})

	resp, err := http.Post(e.srv.URL+"/tryon/"+id+"/try", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("try: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestGetSessionReturnsAssetsForPolling(t *testing.T) {
	e := newEnv(t)
	id := e.createSession(t)
	ctx := context.Background()
	_ = e.store.CreateAsset(ctx, &store.Asset{SessionID: id, Type: schema.AssetCutout, URL: "/uploads/tryon/c.png", PreviewURL: "/uploads/previews/c.png"})
	_ = e.store.TransitionSession(ctx, id, store.SessionUpdate{Status: schema.SessionBGRemovalDone, CurrentResultURL: "/uploads/tryon/c.png"})

	resp, err := http.Get(e.srv.URL + "/tryon/" + id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	body := decode(t, resp)
	sess := body["session"].(map[string]any)
	if sess["status"] != string(schema.SessionBGRemovalDone) {
		t.Fatalf("unexpected status: %v", sess["status"])
	}
	if sess["currentResultUrl"] != "/uploads/tryon/c.png" {
		t.Fatalf("unexpected result url: %v", sess["currentResultUrl"])
	}
	assets := body["assets"].([]any)
	if len(assets) != 1 {
		t.Fatalf("expected one asset, got %d", len(assets))
	}
}

func TestSharedViewResolvesToken(t *testing.T) {
	e := newEnv(t)

	resp, err := http.Post(e.srv.URL+"/tryon/session", "application/json", nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	body := decode(t, resp)
	id := body["sessionId"].(string)
	token, _ := body["shareToken"].(string)
	if token == "" {
		t.Fatalf("no share token in %v", body)
	}

	resp, err = http.Get(e.srv.URL + "/tryon/shared?token=" + url.QueryEscape(token))
	if err != nil {
		t.Fatalf("get shared: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("shared status %d", resp.StatusCode)
	}
	shared := decode(t, resp)
	sess := shared["session"].(map[string]any)
	if sess["id"] != id {
		t.Fatalf("shared view resolved to %v, want %s", sess["id"], id)
	}
}

func TestSharedViewRejectsBadToken(t *testing.T) {
	e := newEnv(t)
	e.createSession(t)

	resp, err := http.Get(e.srv.URL + "/tryon/shared?token=" + url.QueryEscape("bm90IGEgdG9rZW4="))
	if err != nil {
		t.Fatalf("get shared: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for bad token, got %d", resp.StatusCode)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Get(e.srv.URL + "/tryon/ghost")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
