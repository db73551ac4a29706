package qbo

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// DefaultTokenURL is the Intuit OAuth 2.0 token endpoint.
const DefaultTokenURL = "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"

// NewOAuthConfig returns the OAuth configuration used to refresh tokens.
// An empty tokenURL selects DefaultTokenURL.
func NewOAuthConfig(clientID, clientSecret, tokenURL string) *oauth2.Config {
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// ErrNoRefreshToken is returned when the session cannot be refreshed.
var ErrNoRefreshToken = errors.New("qbo session has no refresh token")

// Session carries the credentials for one QBO company.
// It is safe for concurrent use; refreshes are collapsed into a single call
// because QBO refresh tokens are single-use.
type Session struct {
	RealmID string

	oauth     *oauth2.Config
	mu        sync.RWMutex
	token     *oauth2.Token
	group     singleflight.Group
	onRefresh func(context.Context, *oauth2.Token) error
}

// NewSession creates a session for a realm from an initial token.
// oauthConfig may be nil when the token is never refreshed.
func NewSession(realmID string, oauthConfig *oauth2.Config, token *oauth2.Token) *Session {
	if token == nil {
		token = &oauth2.Token{}
	}
	return &Session{
		RealmID: realmID,
		oauth:   oauthConfig,
		token:   token,
	}
}

// OnRefresh registers a callback invoked after every successful refresh.
func (s *Session) OnRefresh(fn func(context.Context, *oauth2.Token) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRefresh = fn
}

// Token returns a copy of the current token.
func (s *Session) Token() oauth2.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.token
}

// AccessToken returns a usable access token, refreshing an expired one.
func (s *Session) AccessToken(ctx context.Context) (string, error) {
	tok := s.Token()
	if tok.Valid() {
		return tok.AccessToken, nil
	}
	return s.Refresh(ctx, tok.AccessToken)
}

// Refresh obtains a new access token. stale is the token the caller saw
// rejected; if another caller already replaced it, the current one is
// returned without contacting the token endpoint.
func (s *Session) Refresh(ctx context.Context, stale string) (string, error) {
	v, err, _ := s.group.Do("refresh", func() (any, error) {
		current := s.Token()
		if current.AccessToken != stale && current.Valid() {
			return current.AccessToken, nil
		}
		if s.oauth == nil || current.RefreshToken == "" {
			return nil, ErrNoRefreshToken
		}

		next, err := s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: current.RefreshToken}).Token()
		if err != nil {
			return nil, fmt.Errorf("failed to refresh token: %w", err)
		}

		s.mu.Lock()
		s.token = next
		callback := s.onRefresh
		s.mu.Unlock()

		if callback != nil {
			if err := callback(ctx, next); err != nil {
				return nil, fmt.Errorf("failed to persist refreshed token: %w", err)
			}
		}
		return next.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
