package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/example/panelauth/internal/guard"
	"github.com/example/panelauth/internal/token"
)

const (
	refreshCookie     = "refresh_token"
	refreshCookiePath = "/api/v1/auth"
)

// tokenResponse is returned by login, register, refresh and password change.
type tokenResponse struct {
	Identity     identityView `json:"identity"`
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int          `json:"expires_in"`
}

func newTokenResponse(p *token.Pair) tokenResponse {
	return tokenResponse{
		Identity:     viewOf(p.Subject),
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    p.AccessExpiresIn,
	}
}

// setTokenCookies writes both tokens as httpOnly cookies.
func (a *App) setTokenCookies(w http.ResponseWriter, p *token.Pair) {
	now := time.Now()
	http.SetCookie(w, &http.Cookie{
		Name:     guard.AccessCookie,
		Value:    p.AccessToken,
		Path:     "/",
		MaxAge:   int(p.AccessExpiresAt.Sub(now).Seconds()),
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    p.RefreshToken,
		Path:     refreshCookiePath,
		MaxAge:   int(p.RefreshExpiresAt.Sub(now).Seconds()),
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *App) clearTokenCookies(w http.ResponseWriter) {
	for _, c := range []struct{ name, path string }{
		{guard.AccessCookie, "/"},
		{refreshCookie, refreshCookiePath},
	} {
		http.SetCookie(w, &http.Cookie{
			Name:     c.name,
			Value:    "",
			Path:     c.path,
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   a.cookieSecure,
		})
	}
}

// refreshTokenFromRequest prefers the cookie over the body value.
func refreshTokenFromRequest(r *http.Request, body string) string {
	if c, err := r.Cookie(refreshCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return strings.TrimSpace(body)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// storeCtx bounds a store-backed call.
func (a *App) storeCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), a.storeTimeout)
}

// identityResolver adapts DB to token.IdentityResolver.
type identityResolver struct{ db DB }

func (ir identityResolver) ResolveIdentity(ctx context.Context, id string) (*token.Subject, error) {
	ident, err := ir.db.GetIdentityByID(ctx, id)
	if err != nil || ident == nil {
		return nil, err
	}
	s := ident.subject()
	return &s, nil
}
