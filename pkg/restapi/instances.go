package restapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nazq/tei-manager/pkg/apierrors"
	"github.com/nazq/tei-manager/pkg/types"
)

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var config types.WorkerConfig
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		s.writeAPIError(w, apierrors.New(apierrors.InvalidConfig, "invalid JSON body: %v", err))
		return
	}

	view, err := s.registry.Add(config)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	view, err := s.registry.Get(name)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.registry.Remove(name); err != nil {
		s.writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.lifecycle.Start(r.Context(), name); err != nil {
		s.writeAPIError(w, err)
		return
	}
	view, err := s.registry.Get(name)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.lifecycle.Stop(r.Context(), name); err != nil {
		s.writeAPIError(w, err)
		return
	}
	view, err := s.registry.Get(name)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.lifecycle.Restart(r.Context(), name); err != nil {
		s.writeAPIError(w, err)
		return
	}
	view, err := s.registry.Get(name)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
