package auth

import "time"

type User struct {
	ID             string
	Username       string
	Email          string
	HashedPassword string
	IsVerified     bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"-"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type LoginAttempt struct {
	Email          string
	FailedAttempts int
	LockedUntil    *time.Time
}

type RegisterInput struct {
	Username        string
	Email           string
	Password        string
	ConfirmPassword string
	OTP             string
}

type RegisterResult struct {
	UserID              string
	PendingVerification bool
}
