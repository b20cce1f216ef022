package web

import (
	"errors"
	"net/http"

	"zigbee-quirks/internal/automation"
)

func (s *Server) handleAPIListAutomations(w http.ResponseWriter, r *http.Request) {
	if s.autoEngine == nil {
		s.writeJSON(w, http.StatusOK, []automation.ScriptStatus{})
		return
	}
	scripts, err := s.autoEngine.Scripts()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if scripts == nil {
		scripts = []automation.ScriptStatus{}
	}
	s.writeJSON(w, http.StatusOK, scripts)
}

func (s *Server) handleAPIReloadAutomation(w http.ResponseWriter, r *http.Request) {
	if s.autoEngine == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "automations not available"})
		return
	}
	id := r.PathValue("id")
	if err := s.autoEngine.ReloadScript(id); err != nil {
		if errors.Is(err, automation.ErrScriptNotFound) {
			s.writeError(w, err)
			return
		}
		// Script errors are the caller's to fix.
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "id": id})
}
