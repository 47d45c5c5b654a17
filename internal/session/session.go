package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"vestnik/internal/models"
)

var ErrLoginFailed = errors.New("login failed")

// Provider is the adapter over the external credential service. It
// only consumes identities; token issuance stays on the other side.
type Provider struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) *Provider {
	return &Provider{baseURL: baseURL, http: &http.Client{}}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Token   string `json:"token,omitempty"`
	User    struct {
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
		AvatarURL   string `json:"avatarUrl"`
	} `json:"user"`
}

// Login authenticates and returns the session driving the relay
// handshake.
func (p *Provider) Login(ctx context.Context, username, password string) (models.Session, error) {
	body, err := json.Marshal(loginRequest{Username: username, Password: password})
	if err != nil {
		return models.Session{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/login", bytes.NewReader(body))
	if err != nil {
		return models.Session{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return models.Session{}, fmt.Errorf("login request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return models.Session{}, fmt.Errorf("decode login response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !lr.Success {
		if lr.Message != "" {
			return models.Session{}, fmt.Errorf("%w: %s", ErrLoginFailed, lr.Message)
		}
		return models.Session{}, ErrLoginFailed
	}

	return models.Session{
		UserID:      lr.User.ID,
		DisplayName: lr.User.DisplayName,
		AvatarURL:   lr.User.AvatarURL,
		Token:       lr.Token,
	}, nil
}

// Logout invalidates the token, best effort.
func (p *Provider) Logout(ctx context.Context, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/logout", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("logout request: %w", err)
	}
	_ = resp.Body.Close()
	return nil
}
