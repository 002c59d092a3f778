// ABOUTME: Account routes for the signed-in user: profile, settings, deletion and notifications
// ABOUTME: Every lookup is keyed by the caller's own id, so no route can reach another account

package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/2389/agentchat/internal/store"
)

// defaultNotificationLimit caps GET /api/notifications when no limit is given
const defaultNotificationLimit = 50

// handleGetMe handles GET /api/me
func (a *API) handleGetMe(w http.ResponseWriter, r *http.Request) {
	user, err := a.store.GetUser(r.Context(), principal(r).UserID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"data": newUserView(user)})
}

type profileRequest struct {
	Name         *string `json:"name"`
	ProfileImage *string `json:"profileImage"`
}

// handleUpdateMe handles PUT /api/me; absent fields are left unchanged
func (a *API) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			writeError(w, http.StatusBadRequest, "name cannot be empty")
			return
		}
		req.Name = &name
	}

	user, err := a.store.UpdateUserProfile(r.Context(), principal(r).UserID, store.UserProfile{
		Name:         req.Name,
		ProfileImage: req.ProfileImage,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"data": newUserView(user)})
}

type settingsRequest struct {
	Settings map[string]any `json:"settings"`
}

// handleUpdateSettings handles PUT /api/me/settings. The object replaces the stored one.
func (a *API) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Settings == nil {
		writeError(w, http.StatusBadRequest, "settings object is required")
		return
	}

	user, err := a.store.UpdateUserSettings(r.Context(), principal(r).UserID, req.Settings)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"data": newUserView(user)})
}

// handleDeleteMe handles DELETE /api/me. Payment records are kept.
func (a *API) handleDeleteMe(w http.ResponseWriter, r *http.Request) {
	userID := principal(r).UserID
	if err := a.store.DeleteUser(r.Context(), userID); err != nil {
		a.fail(w, r, err)
		return
	}
	a.logger.Info("account deleted", "user_id", userID)
	w.WriteHeader(http.StatusNoContent)
}

// handleListNotifications handles GET /api/notifications?limit=
func (a *API) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit")
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	if limit == 0 {
		limit = defaultNotificationLimit
	}

	list, err := a.store.ListNotifications(r.Context(), principal(r).UserID, limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]notificationView, 0, len(list))
	for _, n := range list {
		out = append(out, newNotificationView(n))
	}
	writeJSON(w, http.StatusOK, envelope{"data": out})
}

type readRequest struct {
	Read *bool `json:"read"`
}

// handleMarkNotificationRead handles PUT /api/notifications/{id}/read.
// An empty body marks the notification read.
func (a *API) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	read := true
	if r.ContentLength != 0 {
		var req readRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Read != nil {
			read = *req.Read
		}
	}

	n, err := a.store.SetNotificationRead(r.Context(), principal(r).UserID, chi.URLParam(r, "id"), read)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"data": newNotificationView(n)})
}

// handleDeleteNotification handles DELETE /api/notifications/{id}
func (a *API) handleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	if err := a.store.DeleteNotification(r.Context(), principal(r).UserID, chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
