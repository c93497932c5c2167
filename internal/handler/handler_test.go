package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"faceattend/internal/attendance"
	"faceattend/internal/auth"
	"faceattend/internal/blob"
	"faceattend/internal/devices"
	"faceattend/internal/facecache"
	"faceattend/internal/facerec/facerectest"
	"faceattend/internal/presence"
	"faceattend/internal/recognition"
	"faceattend/internal/samples"
	"faceattend/internal/store"
	"faceattend/internal/users"
)

type server struct {
	r        *gin.Engine
	admin    string
	kiosk    string
	presence *presence.Memory
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	db, err := store.Open(ctx, store.DriverSQLite, filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	dir, err := blob.NewDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	log := zap.NewNop()
	backend := &facerectest.Fake{}
	att := attendance.NewRepository(db)
	ledger := attendance.NewLedger(att, log, attendance.Options{Location: time.UTC})

	inv := &bind{}
	smp := samples.NewStore(db, dir, inv, 5, log)
	cache := facecache.New(smp, backend, log, facecache.Options{})
	inv.cache = cache

	iss, err := auth.NewIssuer("faceattend", "test-key", time.Hour, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	tracker := presence.NewMemory()
	h := New(Deps{
		Pipeline:   recognition.New(cache, backend, ledger, nil, log, recognition.Options{}),
		Users:      users.NewRegistry(db, att, smp, cache, log),
		Samples:    smp,
		Attendance: att,
		Presence:   tracker,
		Devices:    devices.NewService(db, iss, "", log),
		Issuer:     iss,
		Checks:     map[string]Check{"db": db.Healthy},
		Log:        log,
		Location:   time.UTC,
	})
	r := gin.New()
	h.Routes(r, nil)

	admin, _ := iss.Issue("ops", auth.RoleAdmin)
	kiosk, _ := iss.Issue("kiosk-1", auth.RoleKiosk)
	return &server{r: r, admin: admin.AccessToken, kiosk: kiosk.AccessToken, presence: tracker}
}

type bind struct{ cache *facecache.Cache }

func (b *bind) Invalidate() { b.cache.Invalidate() }

func (s *server) do(t *testing.T, method, path, token string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.r.ServeHTTP(w, req)
	return w
}

func (s *server) json(t *testing.T, method, path, token, payload string) *httptest.ResponseRecorder {
	return s.do(t, method, path, token, bytes.NewBufferString(payload), "application/json")
}

func multipartBody(t *testing.T, field string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, data := range files {
		part, err := w.CreateFormFile(field, name)
		if err != nil {
			t.Fatal(err)
		}
		part.Write(data)
	}
	w.Close()
	return &buf, w.FormDataContentType()
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodGet, "/healthz", "", nil, "")
	if w.Code != http.StatusOK || decode(t, w)["status"] != "ok" {
		t.Errorf("healthz = %d %s", w.Code, w.Body.String())
	}
}

func TestUserLifecycleAndRecognition(t *testing.T) {
	s := newServer(t)

	w := s.json(t, http.MethodPost, "/v1/users", s.admin, `{"user_id": 7, "name": "Ada"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create user = %d %s", w.Code, w.Body.String())
	}
	w = s.json(t, http.MethodPost, "/v1/users", s.admin, `{"user_id": "7", "name": "Again"}`)
	if w.Code != http.StatusConflict || decode(t, w)["message"] != "identifier already exists" {
		t.Errorf("duplicate user = %d %s", w.Code, w.Body.String())
	}

	body, ct := multipartBody(t, "face_images", map[string][]byte{
		"a.png": facerectest.PNG(facerectest.Faces(200)),
		"b.png": facerectest.PNG(facerectest.Faces(202)),
	})
	w = s.do(t, http.MethodPost, "/v1/users/7/faces", s.admin, body, ct)
	if w.Code != http.StatusCreated {
		t.Fatalf("register faces = %d %s", w.Code, w.Body.String())
	}
	w = s.do(t, http.MethodGet, "/v1/users/7/faces", s.admin, nil, "")
	if got := decode(t, w)["count"]; got != float64(2) {
		t.Errorf("face count = %v, want 2", got)
	}

	body, ct = multipartBody(t, "file", map[string][]byte{"probe.png": facerectest.PNG(facerectest.Faces(201))})
	w = s.do(t, http.MethodPost, "/v1/attendance/recognize", s.kiosk, body, ct)
	if w.Code != http.StatusOK {
		t.Fatalf("recognize = %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Status  string               `json:"status"`
		Results []recognition.Result `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "success" || len(resp.Results) != 1 || resp.Results[0].UserID != "7" || resp.Results[0].Status != attendance.StatusIn {
		t.Errorf("recognize response = %+v", resp)
	}

	w = s.do(t, http.MethodGet, "/v1/attendance", s.admin, nil, "")
	var list struct {
		Records []attendance.Record `json:"records"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Records) != 1 || list.Records[0].Name != "Ada" {
		t.Errorf("attendance = %s", w.Body.String())
	}

	w = s.do(t, http.MethodGet, "/v1/attendance?format=csv", s.admin, nil, "")
	if !strings.HasPrefix(w.Header().Get("Content-Type"), "text/csv") || !strings.Contains(w.Body.String(), "7,Ada,") {
		t.Errorf("csv export = %q", w.Body.String())
	}

	w = s.do(t, http.MethodDelete, "/v1/users/7", s.admin, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete = %d %s", w.Code, w.Body.String())
	}
	body, ct = multipartBody(t, "file", map[string][]byte{"probe.png": facerectest.PNG(facerectest.Faces(201))})
	w = s.do(t, http.MethodPost, "/v1/attendance/recognize", s.kiosk, body, ct)
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 0 {
		t.Errorf("deleted user recognized: %+v", resp.Results)
	}
	if w = s.do(t, http.MethodGet, "/v1/users/7", s.admin, nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("get deleted user = %d", w.Code)
	}
}

func TestRecognizeInputErrors(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodPost, "/v1/attendance/recognize", "", nil, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d", w.Code)
	}

	body, ct := multipartBody(t, "other", map[string][]byte{"x.png": {1}})
	w = s.do(t, http.MethodPost, "/v1/attendance/recognize", s.kiosk, body, ct)
	if w.Code != http.StatusBadRequest || decode(t, w)["message"] != "No file uploaded." {
		t.Errorf("missing file = %d %s", w.Code, w.Body.String())
	}

	body, ct = multipartBody(t, "file", map[string][]byte{"x.png": []byte("garbage")})
	w = s.do(t, http.MethodPost, "/v1/attendance/recognize", s.kiosk, body, ct)
	if w.Code != http.StatusBadRequest || decode(t, w)["status"] != "error" {
		t.Errorf("garbage image = %d %s", w.Code, w.Body.String())
	}

	body, ct = multipartBody(t, "file", map[string][]byte{"big.png": make([]byte, 5<<19)})
	w = s.do(t, http.MethodPost, "/v1/attendance/recognize", s.kiosk, body, ct)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized upload = %d %s", w.Code, w.Body.String())
	}
}

func TestAdminRoutesRejectKiosk(t *testing.T) {
	s := newServer(t)
	for _, path := range []string{"/v1/users", "/v1/attendance", "/v1/cache"} {
		if w := s.do(t, http.MethodGet, path, s.kiosk, nil, ""); w.Code != http.StatusForbidden {
			t.Errorf("GET %s with kiosk token = %d, want 403", path, w.Code)
		}
	}
}

func TestRegisterFacesErrors(t *testing.T) {
	s := newServer(t)
	s.json(t, http.MethodPost, "/v1/users", s.admin, `{"user_id": "7", "name": "Ada"}`)

	body, ct := multipartBody(t, "face_images", map[string][]byte{"a.gif": {1}})
	if w := s.do(t, http.MethodPost, "/v1/users/7/faces", s.admin, body, ct); w.Code != http.StatusBadRequest {
		t.Errorf("gif upload = %d %s", w.Code, w.Body.String())
	}
	body, ct = multipartBody(t, "face_images", map[string][]byte{"a.jpg": {1}})
	if w := s.do(t, http.MethodPost, "/v1/users/404/faces", s.admin, body, ct); w.Code != http.StatusNotFound {
		t.Errorf("unknown user = %d %s", w.Code, w.Body.String())
	}
	body, ct = multipartBody(t, "other", map[string][]byte{"a.jpg": {1}})
	if w := s.do(t, http.MethodPost, "/v1/users/7/faces", s.admin, body, ct); w.Code != http.StatusBadRequest {
		t.Errorf("no files = %d %s", w.Code, w.Body.String())
	}
}

func TestCacheEndpoints(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodGet, "/v1/cache", s.admin, nil, "")
	if decode(t, w)["populated"] != false {
		t.Errorf("initial cache = %s", w.Body.String())
	}
	w = s.do(t, http.MethodPost, "/v1/cache/refresh", s.admin, nil, "")
	if w.Code != http.StatusOK || decode(t, w)["populated"] != true {
		t.Errorf("refresh = %d %s", w.Code, w.Body.String())
	}
}

func TestDeviceTokens(t *testing.T) {
	s := newServer(t)
	w := s.json(t, http.MethodPost, "/v1/devices/register", "", `{"device_id": "kiosk-9"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("register = %d %s", w.Code, w.Body.String())
	}
	var pair auth.TokenPair
	_ = json.Unmarshal(w.Body.Bytes(), &pair)

	w = s.json(t, http.MethodPost, "/v1/tokens/refresh", "", `{"refresh_token": "`+pair.RefreshToken+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh = %d %s", w.Code, w.Body.String())
	}
	w = s.json(t, http.MethodPost, "/v1/tokens/refresh", "", `{"refresh_token": "`+pair.RefreshToken+`"}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("reused refresh = %d", w.Code)
	}

	body, ct := multipartBody(t, "file", map[string][]byte{"p.png": facerectest.PNG(facerectest.Faces(0))})
	if w := s.do(t, http.MethodPost, "/v1/attendance/recognize", pair.AccessToken, body, ct); w.Code != http.StatusOK {
		t.Errorf("device token recognize = %d %s", w.Code, w.Body.String())
	}
}

func TestPresence(t *testing.T) {
	s := newServer(t)
	_ = s.presence.Apply(context.Background(), attendance.Sighting{UserID: "7", Status: attendance.StatusIn, Time: "09:00:00", Date: "2024-03-04"})
	w := s.do(t, http.MethodGet, "/v1/presence?date=2024-03-04", s.admin, nil, "")
	if w.Code != http.StatusOK || decode(t, w)["present"] != float64(1) {
		t.Errorf("presence = %d %s", w.Code, w.Body.String())
	}
}
