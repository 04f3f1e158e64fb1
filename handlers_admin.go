package main

import (
	"errors"
	"net/http"
	"slices"

	"github.com/gorilla/mux"

	"github.com/example/panelauth/internal/guard"
	"github.com/example/panelauth/internal/token"
)

type setRolesRequest struct {
	Roles          []string `json:"roles" validate:"dive,oneof=super_admin admin editor viewer"`
	RevokeSessions bool     `json:"revoke_sessions"`
}

type introspectRequest struct {
	Token string     `json:"token" validate:"required"`
	Kind  token.Kind `json:"kind" validate:"omitempty,oneof=access refresh"`
}

// HandleSetRoles replaces an identity's roles. New roles reach the identity's
// tokens on its next refresh unless revoke_sessions forces a new login.
// Only a super admin may grant or take away super_admin.
// PUT /api/v1/admin/identities/{id}/roles
func (a *App) HandleSetRoles(w http.ResponseWriter, r *http.Request) {
	caller, _ := guard.ClaimsFromContext(r.Context())
	id := mux.Vars(r)["id"]

	var req setRolesRequest
	if !a.decode(w, r, &req) {
		return
	}

	ctx, cancel := a.storeCtx(r)
	defer cancel()
	target, err := a.DB.GetIdentityByID(ctx, id)
	if err != nil {
		a.writeInternal(w, r, "loading identity", err)
		return
	}
	if target == nil {
		writeError(w, http.StatusNotFound, codeNotFound, "Identity not found")
		return
	}

	touchesSuperAdmin := slices.Contains(req.Roles, guard.RoleSuperAdmin) || slices.Contains(target.Roles, guard.RoleSuperAdmin)
	if touchesSuperAdmin {
		if _, err := guard.RequireSuperAdmin.Check(caller); err != nil {
			a.logger.Warn("super admin role change refused", "identity_id", caller.IdentityID(), "target_id", id)
			writeError(w, http.StatusForbidden, codeForbidden, "Insufficient permissions")
			return
		}
	}

	roles := slices.Compact(slices.Sorted(slices.Values(req.Roles)))
	if err := a.DB.UpdateRoles(ctx, id, roles); err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "Identity not found")
			return
		}
		a.writeInternal(w, r, "updating roles", err)
		return
	}
	if req.RevokeSessions {
		if err := a.issuer.RevokeAll(ctx, id); err != nil {
			a.writeInternal(w, r, "revoking sessions", err)
			return
		}
	}
	a.logger.Info("roles updated", "identity_id", caller.IdentityID(), "target_id", id, "roles", roles)

	target.Roles = roles
	writeSuccess(w, http.StatusOK, viewOf(target.subject()))
}

// HandleRevokeSessions drops every session record of an identity.
// DELETE /api/v1/admin/identities/{id}/sessions
func (a *App) HandleRevokeSessions(w http.ResponseWriter, r *http.Request) {
	caller, _ := guard.ClaimsFromContext(r.Context())
	id := mux.Vars(r)["id"]

	ctx, cancel := a.storeCtx(r)
	defer cancel()
	target, err := a.DB.GetIdentityByID(ctx, id)
	if err != nil {
		a.writeInternal(w, r, "loading identity", err)
		return
	}
	if target == nil {
		writeError(w, http.StatusNotFound, codeNotFound, "Identity not found")
		return
	}
	if err := a.issuer.RevokeAll(ctx, id); err != nil {
		a.writeInternal(w, r, "revoking sessions", err)
		return
	}
	a.logger.Info("sessions revoked", "identity_id", caller.IdentityID(), "target_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// DELETE /api/v1/admin/identities/{id}
func (a *App) HandleDeleteIdentity(w http.ResponseWriter, r *http.Request) {
	caller, _ := guard.ClaimsFromContext(r.Context())
	id := mux.Vars(r)["id"]
	if id == caller.IdentityID() {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "Cannot delete your own identity")
		return
	}

	ctx, cancel := a.storeCtx(r)
	defer cancel()
	if err := a.DB.DeleteIdentity(ctx, id); err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "Identity not found")
			return
		}
		a.writeInternal(w, r, "deleting identity", err)
		return
	}
	a.logger.Info("identity deleted", "identity_id", caller.IdentityID(), "target_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// HandleIntrospect reports whether a token would currently verify. The
// failure reason is never returned.
// POST /api/v1/admin/introspect
func (a *App) HandleIntrospect(w http.ResponseWriter, r *http.Request) {
	var req introspectRequest
	if !a.decode(w, r, &req) {
		return
	}
	kind := req.Kind
	if kind == "" {
		kind = token.KindAccess
	}

	ctx, cancel := a.storeCtx(r)
	defer cancel()
	claims, err := a.verifier.Verify(ctx, req.Token, kind)
	if err != nil {
		if token.IsUnauthenticated(err) {
			writeJSON(w, http.StatusOK, TokenInfo{Active: false})
			return
		}
		a.writeInternal(w, r, "introspecting token", err)
		return
	}

	info := TokenInfo{
		Active:  true,
		Kind:    claims.Kind,
		Subject: claims.Subject,
		Email:   claims.Email,
		Roles:   claims.Roles,
	}
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Unix()
		info.ExpiresAt = &exp
	}
	writeJSON(w, http.StatusOK, info)
}
