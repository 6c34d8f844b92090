package api

import (
	"context"
	"fmt"
	"strings"

	"github.com/sgmi/padaria-floor/internal/domain"
)

// User is an authenticated backend account.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"` // OPERATOR | MANAGER | DIRECTOR
}

// TokenPair holds the bearer tokens issued by the backend.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type loginEnvelope struct {
	Data struct {
		User   User      `json:"user"`
		Tokens TokenPair `json:"tokens"`
	} `json:"data"`
}

type refreshEnvelope struct {
	Data struct {
		AccessToken string `json:"accessToken"`
	} `json:"data"`
}

type profileEnvelope struct {
	Data User `json:"data"`
}

// Login authenticates with operator credentials. It is the only call that
// goes out without a bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (*User, *TokenPair, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return nil, nil, fmt.Errorf("%w: email and password are required", domain.ErrValidation)
	}

	var out loginEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"email": email, "password": password}).
		SetResult(&out).
		Post("/auth/login")
	if err := c.finish(ctx, "login", resp, err); err != nil {
		return nil, nil, err
	}

	return &out.Data.User, &out.Data.Tokens, nil
}

// RefreshToken exchanges a refresh token for a new access token.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (string, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return "", fmt.Errorf("%w: refresh token is required", domain.ErrUnauthorized)
	}

	var out refreshEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"refreshToken": refreshToken}).
		SetResult(&out).
		Post("/auth/refresh")
	if err := c.finish(ctx, "refresh_token", resp, err); err != nil {
		return "", err
	}

	return out.Data.AccessToken, nil
}

// Logout invalidates the refresh token server side.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"refreshToken": refreshToken}).
		Post("/auth/logout")
	return c.finish(ctx, "logout", resp, err)
}

// Profile returns the account behind the current token.
func (c *Client) Profile(ctx context.Context) (*User, error) {
	var out profileEnvelope
	resp, err := c.authenticated(ctx).
		SetResult(&out).
		Get("/auth/profile")
	if err := c.finish(ctx, "profile", resp, err); err != nil {
		return nil, err
	}
	return &out.Data, nil
}
