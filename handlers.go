package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/example/panelauth/internal/csrf"
	"github.com/example/panelauth/internal/guard"
	"github.com/example/panelauth/internal/metrics"
	"github.com/example/panelauth/internal/password"
	"github.com/example/panelauth/internal/token"
)

const maxBodyBytes = 1 << 20

type registerRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=128"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required,max=128"`
	NewPassword     string `json:"new_password" validate:"required,min=8,max=128,nefield=CurrentPassword"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates it. It writes the 400
// itself and returns false on failure.
func (a *App) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "Invalid request body")
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
			}
			writeJSON(w, http.StatusBadRequest, APIError{
				Code:    codeInvalidRequest,
				Message: "Request validation failed",
				Details: strings.Join(fields, "; "),
			})
			return false
		}
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "Invalid request body")
		return false
	}
	return true
}

// HandleCSRF returns the CSRF value the middleware minted or accepted for
// this request, so clients that cannot read cookies can still submit it.
// GET /api/v1/auth/csrf
func (a *App) HandleCSRF(w http.ResponseWriter, r *http.Request) {
	v := csrf.Token(r)
	if v == "" {
		a.writeInternal(w, r, "csrf token unavailable", errors.New("no csrf token on request"))
		return
	}
	writeSuccess(w, http.StatusOK, map[string]string{"csrf_token": v})
}

// POST /api/v1/auth/register
func (a *App) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !a.decode(w, r, &req) {
		return
	}

	hashed, err := a.passwords.Hash(r.Context(), req.Password)
	if err != nil {
		a.writeInternal(w, r, "hashing password", err)
		return
	}

	now := time.Now().UTC()
	ident := &Identity{
		ID:           uuid.NewString(),
		Email:        normalizeEmail(req.Email),
		PasswordHash: hashed,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if a.defaultRole != "" {
		ident.Roles = []string{a.defaultRole}
	}

	ctx, cancel := a.storeCtx(r)
	defer cancel()
	if err := a.DB.CreateIdentity(ctx, ident); err != nil {
		if errors.Is(err, ErrIdentityExists) {
			writeError(w, http.StatusConflict, codeIdentityExists, "An account with this email already exists")
			return
		}
		a.writeInternal(w, r, "creating identity", err)
		return
	}

	pair, err := a.issuer.Issue(ctx, ident.subject())
	if err != nil {
		a.writeInternal(w, r, "issuing tokens", err)
		return
	}
	metrics.RecordIssue("register")
	a.logger.Info("identity registered", "identity_id", ident.ID)

	a.setTokenCookies(w, pair)
	writeJSON(w, http.StatusCreated, newTokenResponse(pair))
}

// POST /api/v1/auth/login
func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !a.decode(w, r, &req) {
		return
	}

	ctx, cancel := a.storeCtx(r)
	ident, err := a.DB.GetIdentityByEmail(ctx, normalizeEmail(req.Email))
	cancel()
	if err != nil {
		a.writeInternal(w, r, "loading identity", err)
		return
	}

	// Unknown emails still pay for a verification so response time does not
	// reveal which accounts exist.
	encoded := a.dummyHash
	if ident != nil {
		encoded = ident.PasswordHash
	}
	if err := a.passwords.Check(r.Context(), req.Password, encoded); err != nil {
		switch {
		case errors.Is(err, password.ErrUnsupportedHashEncoding) && ident != nil:
			a.logger.Error("stored password hash unreadable", "identity_id", ident.ID)
			fallthrough
		case errors.Is(err, password.ErrPasswordMismatch), errors.Is(err, password.ErrUnsupportedHashEncoding):
			metrics.RecordLogin("invalid")
			writeError(w, http.StatusUnauthorized, codeInvalidCredentials, "Invalid email or password")
		default:
			a.writeInternal(w, r, "verifying password", err)
		}
		return
	}
	if ident == nil || !ident.Active {
		metrics.RecordLogin("invalid")
		writeError(w, http.StatusUnauthorized, codeInvalidCredentials, "Invalid email or password")
		return
	}

	if a.passwords.NeedsRehash(ident.PasswordHash) {
		a.upgradeHash(r, ident, req.Password)
	}

	ctx, cancel = a.storeCtx(r)
	defer cancel()
	pair, err := a.issuer.Issue(ctx, ident.subject())
	if err != nil {
		a.writeInternal(w, r, "issuing tokens", err)
		return
	}
	metrics.RecordLogin("ok")
	metrics.RecordIssue("login")
	a.logger.Info("login", "identity_id", ident.ID)

	a.setTokenCookies(w, pair)
	writeJSON(w, http.StatusOK, newTokenResponse(pair))
}

// upgradeHash re-encodes a legacy hash with the current algorithm after a
// successful login. Failures are logged and do not fail the login.
func (a *App) upgradeHash(r *http.Request, ident *Identity, plaintext string) {
	from := "unknown"
	if h, err := password.Parse(ident.PasswordHash); err == nil {
		from = h.Algorithm.String()
	}
	hashed, err := a.passwords.Hash(r.Context(), plaintext)
	if err != nil {
		a.logger.Warn("rehash failed", "identity_id", ident.ID, "error", err)
		return
	}
	ctx, cancel := a.storeCtx(r)
	defer cancel()
	if err := a.DB.UpdatePasswordHash(ctx, ident.ID, hashed); err != nil {
		a.logger.Warn("storing rehashed password failed", "identity_id", ident.ID, "error", err)
		return
	}
	a.logger.Info("password hash upgraded", "identity_id", ident.ID, "from", from, "to", password.Scrypt.String())
}

// POST /api/v1/auth/refresh
func (a *App) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var in refreshRequest
	if r.Body != nil {
		err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&in)
		if err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "Invalid request body")
			return
		}
	}
	raw := refreshTokenFromRequest(r, in.RefreshToken)
	if raw == "" {
		writeUnauthorized(w)
		return
	}

	ctx, cancel := a.storeCtx(r)
	defer cancel()
	pair, err := a.refresher.Refresh(ctx, raw)
	if err != nil {
		if token.IsUnauthenticated(err) {
			a.logger.Info("refresh rejected", "reason", token.Reason(err))
			a.clearTokenCookies(w)
			writeUnauthorized(w)
			return
		}
		a.writeInternal(w, r, "refreshing tokens", err)
		return
	}
	metrics.RecordIssue("refresh")

	a.setTokenCookies(w, pair)
	writeJSON(w, http.StatusOK, newTokenResponse(pair))
}

// POST /api/v1/auth/logout
func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	claims, _ := guard.ClaimsFromContext(r.Context())

	ctx, cancel := a.storeCtx(r)
	defer cancel()
	if err := a.issuer.Revoke(ctx, claims.Subject, claims.Email); err != nil {
		a.writeInternal(w, r, "revoking session", err)
		return
	}
	a.clearTokenCookies(w)
	writeSuccess(w, http.StatusOK, map[string]bool{"revoked": true})
}

// GET /api/v1/auth/me
func (a *App) HandleMe(w http.ResponseWriter, r *http.Request) {
	claims, _ := guard.ClaimsFromContext(r.Context())
	writeSuccess(w, http.StatusOK, viewOfClaims(claims))
}

// HandleChangePassword stores a new hash, drops every session of the
// identity and issues a fresh pair for the caller.
// POST /api/v1/auth/password
func (a *App) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	claims, _ := guard.ClaimsFromContext(r.Context())
	var req changePasswordRequest
	if !a.decode(w, r, &req) {
		return
	}

	ctx, cancel := a.storeCtx(r)
	ident, err := a.DB.GetIdentityByID(ctx, claims.Subject)
	cancel()
	if err != nil {
		a.writeInternal(w, r, "loading identity", err)
		return
	}
	if ident == nil || !ident.Active {
		writeUnauthorized(w)
		return
	}

	if err := a.passwords.Check(r.Context(), req.CurrentPassword, ident.PasswordHash); err != nil {
		if errors.Is(err, password.ErrPasswordMismatch) || errors.Is(err, password.ErrUnsupportedHashEncoding) {
			writeError(w, http.StatusUnauthorized, codeInvalidCredentials, "Current password is incorrect")
			return
		}
		a.writeInternal(w, r, "verifying password", err)
		return
	}

	hashed, err := a.passwords.Hash(r.Context(), req.NewPassword)
	if err != nil {
		a.writeInternal(w, r, "hashing password", err)
		return
	}

	ctx, cancel = a.storeCtx(r)
	defer cancel()
	if err := a.DB.UpdatePasswordHash(ctx, ident.ID, hashed); err != nil {
		a.writeInternal(w, r, "storing password", err)
		return
	}
	if err := a.issuer.RevokeAll(ctx, ident.ID); err != nil {
		a.writeInternal(w, r, "revoking sessions", err)
		return
	}
	pair, err := a.issuer.Issue(ctx, ident.subject())
	if err != nil {
		a.writeInternal(w, r, "issuing tokens", err)
		return
	}
	metrics.RecordIssue("password_change")
	a.logger.Info("password changed", "identity_id", ident.ID)

	a.setTokenCookies(w, pair)
	writeJSON(w, http.StatusOK, newTokenResponse(pair))
}
