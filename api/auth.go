package api

import (
	"context"
	"fmt"
	"sync"
)

// Authenticator holds the current access token for a set of credentials.
// The crawler stages never refresh tokens themselves; the caller does, on AuthError.
type Authenticator struct {
	client     *Client
	identifier string
	password   string

	mutex sync.RWMutex
	token string
}

// NewAuthenticator creates an authenticator for the given credentials
func NewAuthenticator(client *Client, identifier, password string) *Authenticator {
	return &Authenticator{
		client:     client,
		identifier: identifier,
		password:   password,
	}
}

// Token returns the cached access token, creating a session when there is none
func (a *Authenticator) Token(ctx context.Context) (string, error) {
	a.mutex.RLock()
	token := a.token
	a.mutex.RUnlock()

	if token != "" {
		return token, nil
	}
	return a.Refresh(ctx)
}

// Refresh drops the cached token and creates a new session
func (a *Authenticator) Refresh(ctx context.Context) (string, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	session, err := a.client.CreateSession(ctx, a.identifier, a.password)
	if err != nil {
		a.token = ""
		return "", fmt.Errorf("failed to authenticate %s: %w", a.identifier, err)
	}

	a.token = session.AccessJwt
	return a.token, nil
}
