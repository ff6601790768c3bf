package api

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/voxwire/voxwire/internal/agents"
	"github.com/voxwire/voxwire/internal/dialer"
	"github.com/voxwire/voxwire/pkg/logging"
)

// AudioHandler serves the public audio the agent runtime streams into rooms:
// per-agent background audio and per-campaign announcement audio.
type AudioHandler struct {
	agents *agents.Repository
	dialer *dialer.Repository
	logger *logging.Logger
}

func NewAudioHandler(agentsRepo *agents.Repository, dialerRepo *dialer.Repository,
	logger *logging.Logger) *AudioHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &AudioHandler{agents: agentsRepo, dialer: dialerRepo, logger: logger.Component("audio")}
}

// AgentBackgroundAudio serves an agent's background track. The per-row access
// token gates the URL since the runtime fetches it unauthenticated.
func (h *AudioHandler) AgentBackgroundAudio(w http.ResponseWriter, r *http.Request) {
	agentID, err := uuid.Parse(chi.URLParam(r, "agentID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	audio, err := h.agents.GetBackgroundAudio(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, agents.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not found")
			return
		}
		h.logger.Error("load background audio failed", "agent_id", agentID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	token := r.URL.Query().Get("token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(audio.AccessToken)) != 1 {
		respondError(w, http.StatusUnauthorized, "bad token")
		return
	}
	mime := audio.Mime
	if mime == "" {
		mime = "audio/wav"
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Cache-Control", "private, max-age=300")
	_, _ = w.Write(audio.Audio)
}

// CampaignAudio serves the announcement track a dialer campaign plays.
func (h *AudioHandler) CampaignAudio(w http.ResponseWriter, r *http.Request) {
	campaignID, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}
	audio, err := h.dialer.GetCampaignAudio(r.Context(), campaignID)
	if err != nil {
		if errors.Is(err, dialer.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not found")
			return
		}
		h.logger.Error("load campaign audio failed", "campaign_id", campaignID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if len(audio) == 0 {
		respondError(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Cache-Control", "private, max-age=300")
	_, _ = w.Write(audio)
}
