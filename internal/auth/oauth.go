package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// TokenSource adapts a SessionManager to oauth2.TokenSource so transports
// that speak oauth2 (the socket dialer, ad-hoc HTTP clients) pick up the
// current access token without knowing about the session lifecycle.
type TokenSource struct {
	ctx     context.Context
	manager *SessionManager
}

// NewTokenSource returns a source bound to ctx for any refresh it triggers.
func NewTokenSource(ctx context.Context, manager *SessionManager) *TokenSource {
	if ctx == nil {
		ctx = context.Background()
	}
	return &TokenSource{ctx: ctx, manager: manager}
}

// Token returns the current access token, refreshing it first when the
// decoder reports it expired.
func (s *TokenSource) Token() (*oauth2.Token, error) {
	session := s.manager.Current()
	if !session.Authenticated() {
		return nil, ErrNotAuthenticated
	}
	access := session.AccessToken
	if s.manager.IsExpired(access) {
		renewed, err := s.manager.RenewToken(s.ctx, access)
		if err != nil {
			return nil, err
		}
		access = renewed
		session = s.manager.Current()
	}
	tok := &oauth2.Token{AccessToken: access, TokenType: "Bearer"}
	if session.ExpiresAt > 0 {
		tok.Expiry = time.Unix(session.ExpiresAt, 0)
	}
	return tok, nil
}

// BearerHeader builds request headers carrying the source's token. An
// anonymous session yields an empty header rather than an error so
// unauthenticated dials still go out.
func BearerHeader(src oauth2.TokenSource) (http.Header, error) {
	header := http.Header{}
	if src == nil {
		return header, nil
	}
	tok, err := src.Token()
	if err != nil {
		if errors.Is(err, ErrNotAuthenticated) {
			return header, nil
		}
		return nil, err
	}
	tok.SetAuthHeader(&http.Request{Header: header})
	return header, nil
}
