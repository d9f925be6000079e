package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/hibiki/internal/auth"
	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/roster"
)

// HandleAccountCheck handles POST /accounts/check.
func (h *Handlers) HandleAccountCheck(w http.ResponseWriter, r *http.Request) {
	var req model.AccountCheckRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeFlat(w, http.StatusBadRequest, failure(decodeErrorMessage(err)))
		return
	}
	if err := model.ValidateKey(req.Key); err != nil {
		writeFlat(w, http.StatusBadRequest, failure(err.Error()))
		return
	}
	exists, err := h.roster.Exists(r.Context(), req.Key)
	if err != nil {
		h.logger.Error("account check failed", "error", err)
		writeFlat(w, http.StatusInternalServerError, failure("could not check account"))
		return
	}
	writeFlat(w, http.StatusOK, model.AccountCheckResponse{Exists: exists})
}

// HandleAccountAdd handles POST /accounts.
func (h *Handlers) HandleAccountAdd(w http.ResponseWriter, r *http.Request) {
	var req model.AccountAddRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeFlat(w, http.StatusBadRequest, failure(decodeErrorMessage(err)))
		return
	}
	if err := model.ValidateKey(req.Key); err != nil {
		writeFlat(w, http.StatusBadRequest, failure(err.Error()))
		return
	}
	if _, err := h.roster.Add(r.Context(), req.Key, req.Label); err != nil {
		if errors.Is(err, roster.ErrExists) {
			writeFlat(w, http.StatusOK, failure("account already exists"))
			return
		}
		h.logger.Error("account add failed", "error", err)
		writeFlat(w, http.StatusInternalServerError, failure("could not add account"))
		return
	}
	h.audit(r, "account.add", model.MaskKey(req.Key), "ok")
	writeFlat(w, http.StatusOK, model.ResultResponse{Success: true})
}

// HandleAdminAccounts handles GET /admin/accounts.
func (h *Handlers) HandleAdminAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.roster.List(r.Context())
	if err != nil {
		h.logger.Error("list accounts failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list accounts")
		return
	}
	out := make([]model.MaskedAccount, len(accounts))
	for i, a := range accounts {
		out[i] = model.MaskedAccount{
			Key:       a.Key,
			Masked:    model.MaskKey(a.Key),
			Label:     a.Label,
			CreatedAt: a.CreatedAt,
		}
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleAdminDeleteAccount handles DELETE /admin/accounts/{key}.
func (h *Handlers) HandleAdminDeleteAccount(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := h.roster.Delete(r.Context(), key); err != nil {
		if errors.Is(err, roster.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "account not found")
			return
		}
		h.logger.Error("delete account failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to delete account")
		return
	}
	h.audit(r, "account.delete", model.MaskKey(key), "ok")
	writeJSON(w, r, http.StatusOK, model.ResultResponse{Success: true})
}

// HandleAdminLogin handles POST /admin/login. The token is returned in the
// body and also set as an HttpOnly cookie for the dashboard.
func (h *Handlers) HandleAdminLogin(w http.ResponseWriter, r *http.Request) {
	if !h.admin.Allowed(r.RemoteAddr) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "admin access is not allowed from this address")
		return
	}
	if !h.admin.LoginEnabled() {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "admin login is not configured")
		return
	}
	var req model.AdminLoginRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, decodeErrorMessage(err))
		return
	}
	token, expiresAt, err := h.admin.Login(req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			h.audit(r, "admin.login", "session", "invalid credentials")
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
			return
		}
		h.logger.Error("admin login failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to issue token")
		return
	}
	h.audit(r, "admin.login", "session", "ok")
	http.SetCookie(w, &http.Cookie{
		Name:     AdminCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, r, http.StatusOK, model.AdminLoginResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleAdminLogout handles POST /admin/logout.
func (h *Handlers) HandleAdminLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     AdminCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, r, http.StatusOK, model.ResultResponse{Success: true})
}
