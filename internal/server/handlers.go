package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"jamlink/internal/jam"

	"github.com/gorilla/mux"
)

type createSessionRequest struct {
	HostName   string `json:"hostName"`
	HostAvatar string `json:"hostAvatar"`
}

type joinSessionRequest struct {
	Code        string `json:"code"`
	GuestName   string `json:"guestName"`
	GuestAvatar string `json:"guestAvatar"`
}

type playbackRequest struct {
	IsPlaying bool  `json:"isPlaying"`
	Position  int64 `json:"position"`
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

type chatRequest struct {
	SenderName   string `json:"senderName"`
	SenderAvatar string `json:"senderAvatar"`
	Text         string `json:"text"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeCoordinatorError maps the coordinator's failure taxonomy onto HTTP
// statuses: timeouts become 504, business rejections keep distinct codes.
func writeCoordinatorError(w http.ResponseWriter, err error) {
	switch {
	case jam.IsTimeout(err):
		writeError(w, http.StatusGatewayTimeout, "operation timed out")
	case errors.Is(err, jam.ErrInvalidCode):
		writeError(w, http.StatusNotFound, "invalid session code")
	case errors.Is(err, jam.ErrSessionUnavailable):
		writeError(w, http.StatusGone, "session no longer available")
	case errors.Is(err, jam.ErrSessionFull):
		writeError(w, http.StatusConflict, "session is full")
	case errors.Is(err, jam.ErrAlreadyHost):
		writeError(w, http.StatusConflict, "cannot join a session you host")
	case errors.Is(err, jam.ErrNotAuthenticated):
		writeError(w, http.StatusUnauthorized, "not signed in")
	case errors.Is(err, jam.ErrUnsupported):
		writeError(w, http.StatusServiceUnavailable, "not available in offline mode")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (js *JamServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	mode := "replicated"
	if js.coordinator.IsLocalMode() {
		mode = "local"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"mode":   mode,
		"userId": js.coordinator.CurrentUserID(),
	})
}

func (js *JamServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.HostName) == "" {
		writeError(w, http.StatusBadRequest, "hostName is required")
		return
	}

	session, err := js.coordinator.CreateSession(r.Context(), req.HostName, req.HostAvatar)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (js *JamServer) handleJoinSession(w http.ResponseWriter, r *http.Request) {
	var req joinSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	session, err := js.coordinator.JoinSession(r.Context(), req.Code, req.GuestName, req.GuestAvatar)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (js *JamServer) handleCheckCode(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	writeJSON(w, http.StatusOK, map[string]bool{
		"valid": js.coordinator.IsValidCode(r.Context(), code),
	})
}

func (js *JamServer) handleLeaveSession(w http.ResponseWriter, r *http.Request) {
	js.coordinator.LeaveSession(r.Context(), mux.Vars(r)["id"])
	w.WriteHeader(http.StatusAccepted)
}

func (js *JamServer) handleUpdatePlayback(w http.ResponseWriter, r *http.Request) {
	var req playbackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	js.coordinator.UpdatePlaybackState(r.Context(), mux.Vars(r)["id"], req.IsPlaying, req.Position)
	w.WriteHeader(http.StatusAccepted)
}

func (js *JamServer) handleChangeTrack(w http.ResponseWriter, r *http.Request) {
	var track jam.Track
	if !decodeBody(w, r, &track) {
		return
	}
	if track.ID == "" || track.Title == "" {
		writeError(w, http.StatusBadRequest, "track id and title are required")
		return
	}
	js.coordinator.ChangeTrack(r.Context(), mux.Vars(r)["id"], track)
	w.WriteHeader(http.StatusAccepted)
}

func (js *JamServer) handleAddToQueue(w http.ResponseWriter, r *http.Request) {
	var track jam.Track
	if !decodeBody(w, r, &track) {
		return
	}
	if track.ID == "" || track.Title == "" {
		writeError(w, http.StatusBadRequest, "track id and title are required")
		return
	}

	item, err := js.coordinator.AddToQueue(r.Context(), mux.Vars(r)["id"], track)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (js *JamServer) handleRemoveFromQueue(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	js.coordinator.RemoveFromQueue(r.Context(), vars["id"], vars["item"])
	w.WriteHeader(http.StatusAccepted)
}

func (js *JamServer) handleSendReaction(w http.ResponseWriter, r *http.Request) {
	var req reactionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Emoji == "" {
		writeError(w, http.StatusBadRequest, "emoji is required")
		return
	}
	js.coordinator.SendReaction(r.Context(), mux.Vars(r)["id"], req.Emoji)
	w.WriteHeader(http.StatusAccepted)
}

func (js *JamServer) handleSendChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	msg, err := js.coordinator.SendChatMessage(r.Context(), mux.Vars(r)["id"], req.SenderName, req.SenderAvatar, req.Text)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (js *JamServer) handleClearChat(w http.ResponseWriter, r *http.Request) {
	js.coordinator.ClearSessionChat(r.Context(), mux.Vars(r)["id"])
	w.WriteHeader(http.StatusAccepted)
}
