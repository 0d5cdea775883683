package api

import "time"

// OriginMobile marks identity requests issued by the mobile app.
const OriginMobile = "mobile"

// LoginRequest asks the backend to email a magic link. Exactly one of Email or
// Username is set.
type LoginRequest struct {
	Email        string `json:"email,omitempty"`
	Username     string `json:"username,omitempty"`
	CaptchaToken string `json:"captcha_token,omitempty"`
	Origin       string `json:"origin,omitempty"`
}

// RegisterRequest creates an account and emails its first magic link.
type RegisterRequest struct {
	Username     string `json:"username"`
	Email        string `json:"email"`
	CaptchaToken string `json:"captcha_token"`
	Origin       string `json:"origin,omitempty"`
}

type magicLinkResponse struct {
	Message    string `json:"message"`
	MagicToken string `json:"magic_token"`
}

// ConfirmResponse is returned when a magic token is exchanged.
type ConfirmResponse struct {
	APIToken          string    `json:"api_token"`
	Email             string    `json:"email"`
	APITokenExpiresAt time.Time `json:"api_token_expires_at"`
}

type pollResponse struct {
	APIToken string `json:"api_token"`
}

// Profile identifies the owner of the current session token.
type Profile struct {
	PosterID int64  `json:"poster_id"`
	Username string `json:"username"`
}

type errorResponse struct {
	Error string `json:"error"`
}
