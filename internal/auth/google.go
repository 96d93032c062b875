package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const googleUserinfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"

var ErrBadGoogleToken = errors.New("invalid google token")

type GoogleUser struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// GoogleVerifier exchanges a Google OAuth access token for the profile
// it belongs to via the userinfo endpoint.
type GoogleVerifier struct {
	userinfoURL string
	httpClient  *http.Client
}

func NewGoogleVerifier() *GoogleVerifier {
	return &GoogleVerifier{
		userinfoURL: googleUserinfoURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (g *GoogleVerifier) Fetch(ctx context.Context, accessToken string) (GoogleUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.userinfoURL, nil)
	if err != nil {
		return GoogleUser{}, fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return GoogleUser{}, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return GoogleUser{}, fmt.Errorf("read userinfo response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return GoogleUser{}, ErrBadGoogleToken
	}

	var user GoogleUser
	if err := json.Unmarshal(body, &user); err != nil {
		return GoogleUser{}, fmt.Errorf("decode userinfo response: %w", err)
	}
	if user.Email == "" {
		return GoogleUser{}, ErrBadGoogleToken
	}

	return user, nil
}

// GoogleLogin finds or creates the local account for a verified Google
// profile and mints a token pair for it. A created account gets a
// random password it can never use directly and a username derived from
// the profile name, suffixed until unique.
func (s *Service) GoogleLogin(ctx context.Context, verifier *GoogleVerifier, googleAccessToken string) (TokenPair, error) {
	profile, err := verifier.Fetch(ctx, googleAccessToken)
	if err != nil {
		return TokenPair{}, err
	}

	email := CanonicalEmail(profile.Email)
	user, err := s.users.GetByEmail(ctx, email)
	if err == nil {
		return s.issuePair(user.ID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return TokenPair{}, err
	}

	username, err := s.uniqueUsername(ctx, profile.Name, email)
	if err != nil {
		return TokenPair{}, err
	}

	password, err := randomPassword()
	if err != nil {
		return TokenPair{}, err
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return TokenPair{}, fmt.Errorf("hash generated password: %w", err)
	}

	user, err = s.users.CreateUser(ctx, username, email, string(hashed), true)
	if err != nil {
		return TokenPair{}, err
	}

	return s.issuePair(user.ID)
}

func (s *Service) uniqueUsername(ctx context.Context, name, email string) (string, error) {
	base := strings.TrimSpace(name)
	if base == "" {
		base, _, _ = strings.Cut(email, "@")
	}
	base = strings.ToLower(strings.ReplaceAll(base, " ", "."))

	candidate := base
	for suffix := 1; ; suffix++ {
		_, err := s.users.GetByUsername(ctx, candidate)
		if errors.Is(err, sql.ErrNoRows) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		candidate = fmt.Sprintf("%s%d", base, suffix)
	}
}

func randomPassword() (string, error) {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
