// Package api exposes the channel registry over HTTP, speaking the same
// command protocol the host plugin used.
package api

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/charmbracelet/log"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"

	gpiocontrol "github.com/hubertat/gpiocontrol"
)

// PermissionChecker answers whether a request may control the channels.
type PermissionChecker interface {
	Can(r *http.Request) bool
}

// TokenAuth allows every request when Token is empty and otherwise requires
// a matching X-Api-Key header.
type TokenAuth struct {
	Token string
}

func (ta TokenAuth) Can(r *http.Request) bool {
	if len(ta.Token) == 0 {
		return true
	}
	return r.Header.Get("X-Api-Key") == ta.Token
}

// SettingsStore persists a saved channel set. A nil store disables
// persistence, settings then live until restart.
type SettingsStore interface {
	SaveChannels([]gpiocontrol.ChannelConfig) error
}

type Server struct {
	kit    *gpiocontrol.Kit
	auth   PermissionChecker
	store  SettingsStore
	router *httprouter.Router
	logger *log.Logger
}

func NewServer(kit *gpiocontrol.Kit, auth PermissionChecker, store SettingsStore) *Server {
	s := &Server{
		kit:   kit,
		auth:  auth,
		store: store,
		logger: log.NewWithOptions(os.Stderr, log.Options{
			ReportTimestamp: true,
			Prefix:          "api",
		}),
	}

	router := httprouter.New()
	router.GET("/api/gpio", s.handleStates)
	router.POST("/api/gpio", s.handleCommand)
	router.GET("/api/settings", s.handleGetSettings)
	router.PUT("/api/settings", s.handleSaveSettings)
	s.router = router

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleStates reports the state word of every channel, in configuration
// order, with an empty string for channels without a usable output.
func (s *Server) handleStates(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJson(w, s.kit.Registry().States())
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !s.auth.Can(r) {
		http.Error(w, "insufficient rights", http.StatusForbidden)
		return
	}

	var request gpiocontrol.CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "malformed command", http.StatusBadRequest)
		return
	}

	result, err := request.Execute(s.kit.Registry())
	switch {
	case errors.Is(err, gpiocontrol.ErrInvalidChannel):
		http.Error(w, "invalid channel id", http.StatusBadRequest)
		return
	case errors.Is(err, gpiocontrol.ErrUnknownCommand):
		http.Error(w, "unknown command", http.StatusBadRequest)
		return
	case err != nil:
		s.logger.Error("command failed", "command", request.Command, "channel", request.ID, "err", err)
		http.Error(w, "command failed", http.StatusInternalServerError)
		return
	}

	if request.Command == gpiocontrol.CommandGetState {
		// The host expects the bare state word for state queries.
		writeJson(w, result.State)
		return
	}
	writeJson(w, result)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJson(w, s.kit.ChannelSnapshot())
}

// handleSaveSettings rebuilds the channels from the submitted set and
// persists it. Rebuild happens first, a broken store must not leave saved
// settings unapplied.
func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !s.auth.Can(r) {
		http.Error(w, "insufficient rights", http.StatusForbidden)
		return
	}

	var channels []gpiocontrol.ChannelConfig
	if err := json.NewDecoder(r.Body).Decode(&channels); err != nil {
		http.Error(w, "malformed settings", http.StatusBadRequest)
		return
	}

	s.kit.ApplyChannels(channels)

	if s.store != nil {
		if err := s.store.SaveChannels(channels); err != nil {
			s.logger.Error("failed to persist settings", "err", err)
			http.Error(w, "settings applied but not persisted", http.StatusInternalServerError)
			return
		}
	}

	writeJson(w, gpiocontrol.CommandResult{Success: true})
}

func writeJson(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
