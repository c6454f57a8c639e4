package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/opd-ai/sealchat/models"
)

type foundCommunityRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (s *Server) foundCommunity(w http.ResponseWriter, r *http.Request) {
	var req foundCommunityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	community, err := s.communities.Found(r.Context(), req.ID, req.Name, actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, community)
}

func (s *Server) communityMembers(w http.ResponseWriter, r *http.Request) {
	roster, err := s.communities.Roster(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	if roster == nil {
		roster = []models.CommunityMember{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"members": roster})
}

func (s *Server) joinCommunity(w http.ResponseWriter, r *http.Request) {
	if err := s.communities.Join(r.Context(), mux.Vars(r)["id"], actor(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) leaveCommunity(w http.ResponseWriter, r *http.Request) {
	if err := s.communities.Leave(r.Context(), mux.Vars(r)["id"], actor(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setCommunityRole(w http.ResponseWriter, r *http.Request) {
	var req setRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	role, ok := models.ParseRole(req.Role)
	if !ok {
		badRequest(w, "unknown role")
		return
	}
	vars := mux.Vars(r)
	if err := s.communities.SetRole(r.Context(), vars["id"], actor(r), vars["user_id"], role); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
