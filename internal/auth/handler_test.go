package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*serviceFixture, http.Handler) {
	t.Helper()

	f := newServiceFixture(t)
	handler := NewHandler(f.service, NewGoogleVerifier())

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/register", handler.Register)
	mux.HandleFunc("POST /api/v1/auth/login", handler.Login)
	mux.HandleFunc("POST /api/v1/auth/refresh", handler.Refresh)
	mux.HandleFunc("POST /api/v1/auth/logout", handler.Logout)
	mux.Handle("GET /api/v1/auth/users/me", Middleware(f.service, http.HandlerFunc(handler.Me)))

	return f, mux
}

func postJSON(t *testing.T, router http.Handler, path string, body any, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()

	encoded, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(encoded))
	req.Header.Set("Content-Type", "application/json")
	if mutate != nil {
		mutate(req)
	}

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	return body
}

func refreshCookie(t *testing.T, recorder *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, cookie := range recorder.Result().Cookies() {
		if cookie.Name == refreshCookieName {
			return cookie
		}
	}
	t.Fatal("no refresh cookie in response")
	return nil
}

func loginAs(t *testing.T, f *serviceFixture, router http.Handler, email, password string) (string, *http.Cookie) {
	t.Helper()

	recorder := postJSON(t, router, "/api/v1/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	body := decodeBody(t, recorder)
	access, _ := body["access_token"].(string)
	require.NotEmpty(t, access)

	return access, refreshCookie(t, recorder)
}

func TestLoginHandlerSetsRefreshCookie(t *testing.T) {
	f, router := newTestRouter(t)
	f.createUser(t, "alice", "alice@example.com", "correct-horse")

	recorder := postJSON(t, router, "/api/v1/auth/login", map[string]string{
		"email":    "alice@example.com",
		"password": "correct-horse",
	}, nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	body := decodeBody(t, recorder)
	assert.Equal(t, "bearer", body["token_type"])
	assert.NotEmpty(t, body["access_token"])
	// The refresh token travels only in the cookie, never in the body.
	assert.NotContains(t, body, "refresh_token")

	cookie := refreshCookie(t, recorder)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)
	assert.Equal(t, "/", cookie.Path)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	assert.Positive(t, cookie.MaxAge)
	assert.NotEmpty(t, cookie.Value)
}

func TestLoginHandlerWrongPassword(t *testing.T) {
	f, router := newTestRouter(t)
	f.createUser(t, "alice", "alice@example.com", "correct-horse")

	recorder := postJSON(t, router, "/api/v1/auth/login", map[string]string{
		"email":    "alice@example.com",
		"password": "wrong",
	}, nil)

	require.Equal(t, http.StatusUnauthorized, recorder.Code)
	assert.Equal(t, "incorrect email or password", decodeBody(t, recorder)["detail"])
}

func TestRefreshHandlerMissingCookie(t *testing.T) {
	_, router := newTestRouter(t)

	recorder := postJSON(t, router, "/api/v1/auth/refresh", map[string]string{}, nil)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestRefreshHandlerRotatesCookie(t *testing.T) {
	f, router := newTestRouter(t)
	f.createUser(t, "alice", "alice@example.com", "correct-horse")
	_, oldCookie := loginAs(t, f, router, "alice@example.com", "correct-horse")

	recorder := postJSON(t, router, "/api/v1/auth/refresh", map[string]string{}, func(r *http.Request) {
		r.AddCookie(oldCookie)
	})
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
	assert.NotEmpty(t, decodeBody(t, recorder)["access_token"])

	newCookie := refreshCookie(t, recorder)
	require.NotEqual(t, oldCookie.Value, newCookie.Value)

	// The rotated-away cookie is single-use: replaying it fails.
	recorder = postJSON(t, router, "/api/v1/auth/refresh", map[string]string{}, func(r *http.Request) {
		r.AddCookie(oldCookie)
	})
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	// The fresh one still works.
	recorder = postJSON(t, router, "/api/v1/auth/refresh", map[string]string{}, func(r *http.Request) {
		r.AddCookie(newCookie)
	})
	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestLogoutAlwaysSucceeds(t *testing.T) {
	_, router := newTestRouter(t)

	// Garbage bearer token, garbage cookie: still a clean logout.
	recorder := postJSON(t, router, "/api/v1/auth/logout", map[string]string{}, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer garbage")
		r.AddCookie(&http.Cookie{Name: refreshCookieName, Value: "also-garbage"})
	})
	require.Equal(t, http.StatusOK, recorder.Code)

	cookie := refreshCookie(t, recorder)
	assert.Empty(t, cookie.Value)
	assert.Negative(t, cookie.MaxAge)
}

func TestLogoutRevokesSession(t *testing.T) {
	f, router := newTestRouter(t)
	f.createUser(t, "alice", "alice@example.com", "correct-horse")
	access, cookie := loginAs(t, f, router, "alice@example.com", "correct-horse")

	recorder := postJSON(t, router, "/api/v1/auth/logout", map[string]string{}, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+access)
		r.AddCookie(cookie)
	})
	require.Equal(t, http.StatusOK, recorder.Code)

	// Both credentials are dead afterwards.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	meRecorder := httptest.NewRecorder()
	router.ServeHTTP(meRecorder, req)
	assert.Equal(t, http.StatusUnauthorized, meRecorder.Code)

	recorder = postJSON(t, router, "/api/v1/auth/refresh", map[string]string{}, func(r *http.Request) {
		r.AddCookie(cookie)
	})
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestMeEndpoint(t *testing.T) {
	f, router := newTestRouter(t)
	user := f.createUser(t, "alice", "alice@example.com", "correct-horse")
	access, _ := loginAs(t, f, router, "alice@example.com", "correct-horse")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	require.Equal(t, http.StatusOK, recorder.Code)
	body := decodeBody(t, recorder)
	assert.Equal(t, user.ID, body["id"])
	assert.Equal(t, "alice", body["username"])
	assert.Equal(t, "alice@example.com", body["email"])
}

func TestMeEndpointWithoutToken(t *testing.T) {
	_, router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/users/me", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestMeEndpointWithExpiredToken(t *testing.T) {
	f, router := newTestRouter(t)
	f.createUser(t, "alice", "alice@example.com", "correct-horse")
	access, _ := loginAs(t, f, router, "alice@example.com", "correct-horse")

	// 16 minutes later the 15-minute access token has expired.
	f.issuer.now = func() time.Time { return time.Now().Add(16 * time.Minute) }

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestRegisterHandlerValidation(t *testing.T) {
	tests := []struct {
		name string
		body map[string]string
	}{
		{"invalid email", map[string]string{
			"username": "alice", "email": "not-an-email",
			"password": "correct-horse", "confirm_password": "correct-horse",
		}},
		{"password mismatch", map[string]string{
			"username": "alice", "email": "alice@example.com",
			"password": "correct-horse", "confirm_password": "different",
		}},
		{"short password", map[string]string{
			"username": "alice", "email": "alice@example.com",
			"password": "short", "confirm_password": "short",
		}},
		{"bad username", map[string]string{
			"username": "a!", "email": "alice@example.com",
			"password": "correct-horse", "confirm_password": "correct-horse",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, router := newTestRouter(t)
			recorder := postJSON(t, router, "/api/v1/auth/register", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, recorder.Code)
		})
	}
}

func TestRegisterHandlerDuplicate(t *testing.T) {
	f, router := newTestRouter(t)
	f.createUser(t, "alice", "alice@example.com", "correct-horse")

	recorder := postJSON(t, router, "/api/v1/auth/register", map[string]string{
		"username":         "alice2",
		"email":            "alice@example.com",
		"password":         "correct-horse",
		"confirm_password": "correct-horse",
	}, nil)

	assert.Equal(t, http.StatusConflict, recorder.Code)
}
