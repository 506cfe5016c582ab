package server

import (
	"encoding/json"
	"net/http"
)

// envelope is the JSON wrapper used by the read APIs.
type envelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to write JSON response", "error", err)
	}
}

func (s *Server) writeOK(w http.ResponseWriter, data any) {
	s.writeJSON(w, http.StatusOK, envelope{Code: 0, Msg: "OK", Data: data})
}
