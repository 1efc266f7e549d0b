package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"roomhub/internal/auth"
	"roomhub/internal/config"
	"roomhub/internal/db/dbtest"
	"roomhub/internal/media"
	"roomhub/internal/models"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type testApp struct {
	cfg    config.Config
	db     *gorm.DB
	engine *gin.Engine
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Config{
		Port:                  "0",
		Env:                   "dev",
		DatabaseDriver:        "sqlite",
		SessionSecret:         "test-session-secret",
		SessionMaxAgeHours:    1,
		JWTSecret:             "test-jwt-secret",
		AccessTokenTTLMinutes: 15,
		MediaDir:              t.TempDir(),
	}
	gdb := dbtest.New(t)
	return &testApp{cfg: cfg, db: gdb, engine: SetupRouter(cfg, gdb, media.NewLocalStore(cfg.MediaDir))}
}

// user inserts a user and returns a bearer token for it.
func (a *testApp) user(t *testing.T, username, password string) (models.User, string) {
	t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatal(err)
	}
	u := models.User{Name: username, Username: username, Email: username + "@example.com", PasswordHash: hash}
	if err := a.db.Create(&u).Error; err != nil {
		t.Fatal(err)
	}
	tok, err := auth.GenerateAccessToken(u.ID, a.cfg.JWTSecret, a.cfg.AccessTokenTTLMinutes)
	if err != nil {
		t.Fatal(err)
	}
	return u, tok
}

type request struct {
	method  string
	path    string
	form    url.Values
	token   string
	cookies []*http.Cookie
}

func (a *testApp) do(r request) *httptest.ResponseRecorder {
	var req *http.Request
	if r.form != nil {
		req = httptest.NewRequest(r.method, r.path, strings.NewReader(r.form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(r.method, r.path, nil)
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	for _, c := range r.cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func wantRedirect(t *testing.T, w *httptest.ResponseRecorder, location string) {
	t.Helper()
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302; body %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Location"); got != location {
		t.Fatalf("Location = %q, want %q", got, location)
	}
}

func (a *testApp) createRoom(t *testing.T, token, topic, name string) models.Room {
	t.Helper()
	w := a.do(request{method: http.MethodPost, path: "/create-room", token: token,
		form: url.Values{"topic": {topic}, "name": {name}, "description": {"about " + name}}})
	wantRedirect(t, w, "/")
	var room models.Room
	if err := a.db.Where("name = ?", name).First(&room).Error; err != nil {
		t.Fatalf("room %q not created: %v", name, err)
	}
	return room
}

func TestHealthz(t *testing.T) {
	app := newTestApp(t)
	w := app.do(request{method: http.MethodGet, path: "/healthz"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestRegisterLoginLogout(t *testing.T) {
	app := newTestApp(t)

	form := url.Values{
		"name":      {"Ann"},
		"username":  {"Ann"},
		"email":     {"ann@example.com"},
		"password1": {"s3cret-pass"},
		"password2": {"s3cret-pass"},
	}
	w := app.do(request{method: http.MethodPost, path: "/register", form: form})
	wantRedirect(t, w, "/")
	session := w.Result().Cookies()
	if len(session) == 0 {
		t.Fatal("register did not set a session cookie")
	}

	w = app.do(request{method: http.MethodGet, path: "/update-user", cookies: session})
	if w.Code != http.StatusOK {
		t.Fatalf("update-user with session = %d, want 200", w.Code)
	}
	if got := decode(t, w)["request_user"].(map[string]any)["username"]; got != "ann" {
		t.Errorf("request_user = %v, want ann", got)
	}

	w = app.do(request{method: http.MethodGet, path: "/login", cookies: session})
	wantRedirect(t, w, "/")

	// registering the same email again re-renders the form
	form.Set("username", "ann2")
	w = app.do(request{method: http.MethodPost, path: "/register", form: form})
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate register = %d, want 200", w.Code)
	}
	errs := decode(t, w)["errors"].(map[string]any)
	if errs["email"] != "Email already exists" {
		t.Errorf("errors = %v", errs)
	}

	w = app.do(request{method: http.MethodPost, path: "/logout", cookies: session})
	wantRedirect(t, w, "/")

	tests := []struct {
		name     string
		path     string
		password string
		location string
	}{
		{"next honoured", "/login?next=%2Ftopics", "s3cret-pass", "/topics"},
		{"external next ignored", "/login?next=%2F%2Fevil.example", "s3cret-pass", "/"},
		{"next with tab ignored", "/login?next=%2F%09%2Fevil.example", "s3cret-pass", "/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := app.do(request{method: http.MethodPost, path: tt.path,
				form: url.Values{"email": {"ANN@example.com"}, "password": {tt.password}}})
			wantRedirect(t, w, tt.location)
		})
	}

	w = app.do(request{method: http.MethodPost, path: "/login",
		form: url.Values{"email": {"ann@example.com"}, "password": {"wrong-pass"}}})
	if w.Code != http.StatusOK {
		t.Fatalf("bad login = %d, want 200", w.Code)
	}
	body := decode(t, w)
	if body["errors"].(map[string]any)["__all__"] != "incorrect email or password" {
		t.Errorf("bad login errors = %v", body["errors"])
	}
}

func TestPostMessage_RequiresLogin(t *testing.T) {
	app := newTestApp(t)
	_, ann := app.user(t, "ann", "s3cret-pass")
	room := app.createRoom(t, ann, "Go", "Gophers")
	path := fmt.Sprintf("/room/%d", room.ID)

	w := app.do(request{method: http.MethodPost, path: path, form: url.Values{"body": {"hi"}}})
	wantRedirect(t, w, "/login?next="+url.QueryEscape(path))

	var count int64
	app.db.Model(&models.Message{}).Count(&count)
	if count != 0 {
		t.Fatalf("messages = %d, want 0", count)
	}

	w = app.do(request{method: http.MethodPost, path: path, token: ann, form: url.Values{"body": {""}}})
	if w.Code != http.StatusOK {
		t.Fatalf("blank body = %d, want 200", w.Code)
	}
	if _, ok := decode(t, w)["errors"].(map[string]any)["body"]; !ok {
		t.Error("blank body should report a body error")
	}

	w = app.do(request{method: http.MethodPost, path: path, token: ann, form: url.Values{"body": {"hi"}}})
	wantRedirect(t, w, path)

	w = app.do(request{method: http.MethodGet, path: path})
	page := decode(t, w)
	if msgs := page["room_messages"].([]any); len(msgs) != 1 {
		t.Errorf("room_messages = %v, want 1", msgs)
	}
	if parts := page["participants"].([]any); len(parts) != 1 {
		t.Errorf("participants = %v, want 1", parts)
	}
}

func TestRoomOwnership(t *testing.T) {
	app := newTestApp(t)
	_, ann := app.user(t, "ann", "s3cret-pass")
	_, bob := app.user(t, "bob", "s3cret-pass")
	room := app.createRoom(t, ann, "Go", "Gophers")
	base := fmt.Sprintf("/room/%d", room.ID)

	forbidden := []request{
		{method: http.MethodGet, path: base + "/update", token: bob},
		{method: http.MethodPost, path: base + "/update", token: bob, form: url.Values{"topic": {"Rust"}, "name": {"Crabs"}}},
		{method: http.MethodGet, path: base + "/delete", token: bob},
		{method: http.MethodPost, path: base + "/delete", token: bob, form: url.Values{}},
	}
	for _, r := range forbidden {
		t.Run(r.method+" "+r.path, func(t *testing.T) {
			w := app.do(r)
			if w.Code != http.StatusForbidden {
				t.Fatalf("status = %d, want 403", w.Code)
			}
			if !strings.Contains(w.Body.String(), "You are not allowed here!!") {
				t.Errorf("body = %s", w.Body.String())
			}
		})
	}

	var got models.Room
	app.db.Preload("Topic").First(&got, room.ID)
	if got.Name != "Gophers" || got.Topic.Name != "Go" {
		t.Fatalf("room changed by non-host: %+v", got)
	}

	w := app.do(request{method: http.MethodGet, path: base + "/update", token: ann})
	if w.Code != http.StatusOK {
		t.Fatalf("host update page = %d", w.Code)
	}
	if topic := decode(t, w)["form"].(map[string]any)["topic"]; topic != "Go" {
		t.Errorf("form topic = %v, want Go", topic)
	}

	w = app.do(request{method: http.MethodPost, path: base + "/update", token: ann, form: url.Values{"topic": {"Go"}, "name": {""}}})
	if w.Code != http.StatusOK {
		t.Fatalf("invalid update = %d, want 200", w.Code)
	}

	w = app.do(request{method: http.MethodPost, path: base + "/update", token: ann, form: url.Values{"topic": {"Golang"}, "name": {"Gophers 2"}}})
	wantRedirect(t, w, "/")

	w = app.do(request{method: http.MethodPost, path: base + "/delete", token: ann, form: url.Values{}})
	wantRedirect(t, w, "/")
	w = app.do(request{method: http.MethodGet, path: base})
	if w.Code != http.StatusNotFound {
		t.Errorf("deleted room = %d, want 404", w.Code)
	}
}

func TestDeleteMessage_Redirects(t *testing.T) {
	app := newTestApp(t)
	_, ann := app.user(t, "ann", "s3cret-pass")
	_, bob := app.user(t, "bob", "s3cret-pass")
	room := app.createRoom(t, ann, "Go", "Gophers")
	roomURL := fmt.Sprintf("/room/%d", room.ID)

	post := func(body string) models.Message {
		t.Helper()
		w := app.do(request{method: http.MethodPost, path: roomURL, token: bob, form: url.Values{"body": {body}}})
		wantRedirect(t, w, roomURL)
		var m models.Message
		app.db.Where("body = ?", body).First(&m)
		return m
	}

	first := post("first")
	w := app.do(request{method: http.MethodPost, path: fmt.Sprintf("/message/%d/delete", first.ID), token: ann, form: url.Values{}})
	if w.Code != http.StatusForbidden {
		t.Fatalf("host deleting another user's message = %d, want 403", w.Code)
	}
	w = app.do(request{method: http.MethodPost, path: fmt.Sprintf("/message/%d/delete", first.ID), token: bob, form: url.Values{}})
	wantRedirect(t, w, roomURL)

	second := post("second")
	w = app.do(request{method: http.MethodPost, path: fmt.Sprintf("/message/%d/update", second.ID), token: bob, form: url.Values{"body": {"edited"}}})
	wantRedirect(t, w, roomURL)
	w = app.do(request{method: http.MethodPost, path: fmt.Sprintf("/activity/%d/delete", second.ID), token: bob, form: url.Values{}})
	wantRedirect(t, w, "/activity")

	var count int64
	app.db.Model(&models.Message{}).Count(&count)
	if count != 0 {
		t.Errorf("messages = %d, want 0", count)
	}
}

func TestNotFound(t *testing.T) {
	app := newTestApp(t)
	_, ann := app.user(t, "ann", "s3cret-pass")

	tests := []request{
		{method: http.MethodGet, path: "/room/abc"},
		{method: http.MethodGet, path: "/room/999"},
		{method: http.MethodGet, path: "/profile/999"},
		{method: http.MethodGet, path: "/room/999/update", token: ann},
		{method: http.MethodPost, path: "/message/999/delete", token: ann, form: url.Values{}},
	}
	for _, r := range tests {
		t.Run(r.method+" "+r.path, func(t *testing.T) {
			if w := app.do(r); w.Code != http.StatusNotFound {
				t.Errorf("status = %d, want 404", w.Code)
			}
		})
	}
}

func TestPublicPages(t *testing.T) {
	app := newTestApp(t)
	u, ann := app.user(t, "ann", "s3cret-pass")
	app.createRoom(t, ann, "Music", "Jam session")
	app.createRoom(t, ann, "Cooking", "Pasta night")

	tests := []struct {
		path string
		page string
		key  string
		n    int
	}{
		{"/", "home", "rooms", 2},
		{"/?q=jam", "home", "rooms", 1},
		{"/topics", "topics", "topics", 2},
		{"/topics?q=COOK", "topics", "topics", 1},
		{"/activity", "activity", "room_messages", 0},
		{fmt.Sprintf("/profile/%d", u.ID), "profile", "rooms", 2},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := app.do(request{method: http.MethodGet, path: tt.path})
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d", w.Code)
			}
			body := decode(t, w)
			if body["page"] != tt.page {
				t.Errorf("page = %v, want %s", body["page"], tt.page)
			}
			if items := body[tt.key].([]any); len(items) != tt.n {
				t.Errorf("%s = %d items, want %d", tt.key, len(items), tt.n)
			}
		})
	}
}

func TestIssueToken(t *testing.T) {
	app := newTestApp(t)
	u, _ := app.user(t, "ann", "s3cret-pass")

	w := app.do(request{method: http.MethodPost, path: "/api/token",
		form: url.Values{"email": {"ann@example.com"}, "password": {"s3cret-pass"}}})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	tok, _ := decode(t, w)["access_token"].(string)
	claims, err := auth.ParseAccessToken(tok, app.cfg.JWTSecret)
	if err != nil || claims.UserID != u.ID {
		t.Fatalf("token claims = %+v, %v", claims, err)
	}

	w = app.do(request{method: http.MethodGet, path: "/create-room", token: tok})
	if w.Code != http.StatusOK {
		t.Errorf("bearer create-room page = %d, want 200", w.Code)
	}

	w = app.do(request{method: http.MethodPost, path: "/api/token",
		form: url.Values{"email": {"ann@example.com"}, "password": {"wrong-pass"}}})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong password = %d, want 401", w.Code)
	}
	w = app.do(request{method: http.MethodPost, path: "/api/token", form: url.Values{"password": {"x"}}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing email = %d, want 400", w.Code)
	}
}
