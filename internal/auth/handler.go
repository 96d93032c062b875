package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

var (
	usernameRegex = regexp.MustCompile(`^[a-z0-9_.-]{3,32}$`)
	emailRegex    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

const (
	maxJSONBodyBytes = 1 << 20

	refreshCookieName = "refresh_token"
)

type Handler struct {
	service        *Service
	googleVerifier *GoogleVerifier
}

func NewHandler(service *Service, googleVerifier *GoogleVerifier) *Handler {
	return &Handler{service: service, googleVerifier: googleVerifier}
}

type registerRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
	OTP             string `json:"otp"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type googleLoginRequest struct {
	AccessToken string `json:"access_token"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Username = strings.TrimSpace(strings.ToLower(body.Username))
	body.Email = CanonicalEmail(body.Email)

	if !usernameRegex.MatchString(body.Username) {
		writeError(w, http.StatusBadRequest, "username format is invalid")
		return
	}
	if !emailRegex.MatchString(body.Email) {
		writeError(w, http.StatusBadRequest, "invalid email format")
		return
	}
	if len(body.Password) < 8 || len(body.Password) > 200 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}
	if body.Password != body.ConfirmPassword {
		writeError(w, http.StatusBadRequest, "passwords do not match")
		return
	}

	result, err := h.service.Register(r.Context(), RegisterInput{
		Username:        body.Username,
		Email:           body.Email,
		Password:        body.Password,
		ConfirmPassword: body.ConfirmPassword,
		OTP:             strings.TrimSpace(body.OTP),
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrDuplicateUser):
			writeError(w, http.StatusConflict, "username or email already exists")
		case errors.Is(err, ErrInvalidOTP):
			writeError(w, http.StatusBadRequest, "invalid or expired verification code")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to register user")
		}
		return
	}

	if result.PendingVerification {
		writeJSON(w, http.StatusOK, map[string]string{"message": "verification code sent"})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"message": "user created successfully",
		"user_id": result.UserID,
	})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	pair, err := h.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		h.writeLoginError(w, err)
		return
	}

	setRefreshCookie(w, pair.RefreshToken, h.service.Tokens().RefreshTTL())
	writeJSON(w, http.StatusOK, pair)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshCookieName)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		writeError(w, http.StatusUnauthorized, "missing refresh token")
		return
	}

	pair, err := h.service.Refresh(r.Context(), cookie.Value)
	if err != nil {
		if isTokenError(err) {
			writeError(w, http.StatusUnauthorized, "invalid or expired refresh token")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to refresh token")
		return
	}

	setRefreshCookie(w, pair.RefreshToken, h.service.Tokens().RefreshTTL())
	writeJSON(w, http.StatusOK, pair)
}

// Logout always succeeds from the client's point of view. The cookie
// clear is the final step and is unconditional so the browser never
// resends a stale refresh token.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var accessToken string
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if parts := strings.SplitN(header, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			accessToken = strings.TrimSpace(parts[1])
		}
	}

	var refreshToken string
	if cookie, err := r.Cookie(refreshCookieName); err == nil {
		refreshToken = cookie.Value
	}

	h.service.Logout(r.Context(), accessToken, refreshToken)

	clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "successfully logged out"})
}

func (h *Handler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	var body googleLoginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.AccessToken = strings.TrimSpace(body.AccessToken)
	if body.AccessToken == "" {
		writeError(w, http.StatusBadRequest, "access_token is required")
		return
	}

	pair, err := h.service.GoogleLogin(r.Context(), h.googleVerifier, body.AccessToken)
	if err != nil {
		if errors.Is(err, ErrBadGoogleToken) {
			writeError(w, http.StatusBadRequest, "invalid google token")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to sign in with google")
		return
	}

	setRefreshCookie(w, pair.RefreshToken, h.service.Tokens().RefreshTTL())
	writeJSON(w, http.StatusOK, pair)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":       user.ID,
		"username": user.Username,
		"email":    user.Email,
	})
}

func (h *Handler) writeLoginError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "incorrect email or password")
		return
	}

	var lockedErr ErrLoginLocked
	if errors.As(err, &lockedErr) {
		retryAfter := int(time.Until(lockedErr.Until).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "login temporarily locked")
		return
	}

	sentry.CaptureException(err)
	writeError(w, http.StatusInternalServerError, "failed to login")
}

func setRefreshCookie(w http.ResponseWriter, token string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

func isTokenError(err error) bool {
	return errors.Is(err, ErrTokenMalformed) ||
		errors.Is(err, ErrTokenInvalid) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenRevoked)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}

	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"detail": message})
}
