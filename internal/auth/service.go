package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"golang.org/x/crypto/bcrypt"

	"labreport-api/internal/mail"
)

const (
	defaultMaxAttempts = 5
	defaultLockWindow  = 15 * time.Minute
)

var (
	ErrInvalidCredentials = errors.New("incorrect email or password")
	ErrInvalidOTP         = errors.New("invalid or expired verification code")
)

type ErrLoginLocked struct {
	Until time.Time
}

func (e ErrLoginLocked) Error() string {
	return "login temporarily locked"
}

type UserStore interface {
	GetByEmail(ctx context.Context, email string) (User, error)
	GetByUsername(ctx context.Context, username string) (User, error)
	GetByID(ctx context.Context, id string) (User, error)
	CreateUser(ctx context.Context, username, email, hashedPassword string, verified bool) (User, error)
}

type LoginAttemptStore interface {
	GetLoginAttempt(ctx context.Context, email string) (LoginAttempt, error)
	RegisterFailedAttempt(ctx context.Context, email string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error)
	ResetLoginAttempt(ctx context.Context, email string) error
}

// Service orchestrates the session lifecycle: registration, login,
// refresh rotation, logout and bearer authentication.
type Service struct {
	users        UserStore
	attempts     LoginAttemptStore
	tokens       *TokenIssuer
	otps         *OTPStore
	mailer       mail.Sender
	maxAttempts  int
	lockDuration time.Duration
}

func NewService(users UserStore, attempts LoginAttemptStore, tokens *TokenIssuer, otps *OTPStore, mailer mail.Sender) *Service {
	return &Service{
		users:        users,
		attempts:     attempts,
		tokens:       tokens,
		otps:         otps,
		mailer:       mailer,
		maxAttempts:  defaultMaxAttempts,
		lockDuration: defaultLockWindow,
	}
}

func (s *Service) WithLockoutConfig(maxAttempts int, lockDuration time.Duration) {
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	if lockDuration > 0 {
		s.lockDuration = lockDuration
	}
}

func (s *Service) Tokens() *TokenIssuer { return s.tokens }

// Login verifies credentials and mints a token pair. Unknown email and
// wrong password produce the same ErrInvalidCredentials so callers
// cannot enumerate accounts.
func (s *Service) Login(ctx context.Context, email, password string) (TokenPair, error) {
	email = CanonicalEmail(email)
	password = strings.TrimSpace(password)

	if email == "" || password == "" {
		return TokenPair{}, ErrInvalidCredentials
	}

	now := time.Now().UTC()
	attempt, err := s.attempts.GetLoginAttempt(ctx, email)
	if err != nil {
		return TokenPair{}, err
	}
	if attempt.LockedUntil != nil && now.Before(*attempt.LockedUntil) {
		return TokenPair{}, ErrLoginLocked{Until: *attempt.LockedUntil}
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TokenPair{}, s.failLogin(ctx, email, now)
		}
		return TokenPair{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.HashedPassword), []byte(password)); err != nil {
		return TokenPair{}, s.failLogin(ctx, email, now)
	}

	if err := s.attempts.ResetLoginAttempt(ctx, email); err != nil {
		return TokenPair{}, err
	}

	return s.issuePair(user.ID)
}

func (s *Service) failLogin(ctx context.Context, email string, now time.Time) error {
	lockedUntil, err := s.attempts.RegisterFailedAttempt(ctx, email, s.maxAttempts, s.lockDuration, now)
	if err != nil {
		return err
	}
	if lockedUntil != nil {
		return ErrLoginLocked{Until: *lockedUntil}
	}
	return ErrInvalidCredentials
}

// Refresh rotates the presented refresh token: its nonce is revoked
// before any replacement is minted, so an old token replayed after
// rotation always fails with ErrTokenRevoked. If the revocation cannot
// be persisted the whole call fails and no new tokens exist.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.tokens.Verify(ctx, refreshToken, TokenKindRefresh)
	if err != nil {
		return TokenPair{}, err
	}

	if err := s.tokens.Revoke(ctx, refreshToken); err != nil {
		return TokenPair{}, fmt.Errorf("rotate refresh token: %w", err)
	}

	return s.issuePair(claims.Subject)
}

// Logout revokes whatever tokens the client still holds. It never
// fails: garbage, expired or missing tokens are skipped, and storage
// errors are reported out-of-band instead of surfaced, so the client
// always observes a clean logout.
func (s *Service) Logout(ctx context.Context, accessToken, refreshToken string) {
	for _, token := range []string{accessToken, refreshToken} {
		if strings.TrimSpace(token) == "" {
			continue
		}
		err := s.tokens.Revoke(ctx, token)
		if err == nil || errors.Is(err, ErrTokenMalformed) || errors.Is(err, ErrTokenInvalid) {
			continue
		}
		sentry.CaptureException(err)
	}
}

// CurrentUser authenticates a bearer access token and loads its
// subject. A subject that no longer resolves to a user is treated as an
// invalid credential rather than leaked as a distinct not-found case.
func (s *Service) CurrentUser(ctx context.Context, accessToken string) (User, error) {
	claims, err := s.tokens.Verify(ctx, accessToken, TokenKindAccess)
	if err != nil {
		return User{}, err
	}

	user, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrTokenInvalid
		}
		return User{}, err
	}

	return user, nil
}

// Register runs the two-phase registration. Without a code it issues a
// fresh OTP, mails it in the background and reports a pending state.
// With a code it validates, creates the user and consumes the code.
func (s *Service) Register(ctx context.Context, input RegisterInput) (RegisterResult, error) {
	email := CanonicalEmail(input.Email)
	username := strings.TrimSpace(input.Username)

	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return RegisterResult{}, ErrDuplicateUser
	} else if !errors.Is(err, sql.ErrNoRows) {
		return RegisterResult{}, err
	}

	if input.OTP == "" {
		code, err := s.otps.Issue(email)
		if err != nil {
			return RegisterResult{}, err
		}
		s.dispatchOTP(email, code)
		return RegisterResult{PendingVerification: true}, nil
	}

	if !s.otps.Consume(email, strings.TrimSpace(input.OTP)) {
		return RegisterResult{}, ErrInvalidOTP
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.users.CreateUser(ctx, username, email, string(hashed), true)
	if err != nil {
		return RegisterResult{}, err
	}

	return RegisterResult{UserID: user.ID}, nil
}

// dispatchOTP sends the code without holding the HTTP response open.
// Delivery failure is reported, never surfaced to the registrant.
func (s *Service) dispatchOTP(email, code string) {
	if s.mailer == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		body := fmt.Sprintf("Your verification code is %s. It expires in 10 minutes.", code)
		if err := s.mailer.Send(ctx, email, "Verify your email", body); err != nil {
			sentry.CaptureException(err)
		}
	}()
}

func (s *Service) issuePair(userID string) (TokenPair, error) {
	access, err := s.tokens.Mint(userID, TokenKindAccess)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.tokens.Mint(userID, TokenKindRefresh)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.tokens.AccessTTL().Seconds()),
	}, nil
}

// CanonicalEmail is the login identifier: lowercased, trimmed email.
func CanonicalEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
