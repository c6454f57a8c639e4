// Package api exposes key registration, conversation management and
// messaging as JSON over HTTP. Every route requires a session token; the
// authenticated user is the actor of each operation.
//
// Binary fields (wrapped keys, shared keys, envelopes) travel as standard
// base64 strings. Plain message content travels as a JSON string and is
// encrypted server side before it is stored.
package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/opd-ai/sealchat/conversation"
	"github.com/opd-ai/sealchat/limits"
	"github.com/opd-ai/sealchat/messaging"
	"github.com/opd-ai/sealchat/models"
	"github.com/opd-ai/sealchat/registry"
)

// PathPrefix is the mount point of the JSON routes.
const PathPrefix = "/api/v1"

const maxBodySize = 2 * limits.MaxProcessingBuffer

// Server holds the collaborators behind the JSON routes.
type Server struct {
	registry      *registry.Registry
	conversations *conversation.Manager
	messages      *messaging.Service
	communities   *conversation.Communities
	auth          *TokenAuth
}

// NewServer creates a Server. The community routes are mounted only when
// communities is not nil.
func NewServer(reg *registry.Registry, conversations *conversation.Manager, messages *messaging.Service, communities *conversation.Communities, auth *TokenAuth) *Server {
	return &Server{
		registry:      reg,
		conversations: conversations,
		messages:      messages,
		communities:   communities,
		auth:          auth,
	}
}

// Register mounts the routes on r under PathPrefix.
func (s *Server) Register(r *mux.Router) {
	api := r.PathPrefix(PathPrefix).Subrouter()
	api.Use(s.auth.Middleware)

	api.HandleFunc("/keys", s.registerKey).Methods(http.MethodPut)
	api.HandleFunc("/keys/generate", s.generateKey).Methods(http.MethodPost)
	api.HandleFunc("/keys/lookup", s.lookupKeys).Methods(http.MethodPost)
	api.HandleFunc("/keys/{user_id}", s.publicKey).Methods(http.MethodGet)

	api.HandleFunc("/conversations", s.createConversation).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}", s.getConversation).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/participants", s.addParticipants).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/participants/{user_id}/role", s.setRole).Methods(http.MethodPut)
	api.HandleFunc("/conversations/{id}/participants/{user_id}/key", s.resupply).Methods(http.MethodPut)
	api.HandleFunc("/conversations/{id}/leave", s.leave).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/key", s.wrappedKey).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/typing", s.typing).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/messages", s.sendMessage).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/messages", s.history).Methods(http.MethodGet)

	api.HandleFunc("/messages/{id}", s.deleteMessage).Methods(http.MethodDelete)
	api.HandleFunc("/messages/{id}/read", s.markRead).Methods(http.MethodPost)

	if s.communities != nil {
		api.HandleFunc("/communities", s.foundCommunity).Methods(http.MethodPost)
		api.HandleFunc("/communities/{id}/members", s.communityMembers).Methods(http.MethodGet)
		api.HandleFunc("/communities/{id}/join", s.joinCommunity).Methods(http.MethodPost)
		api.HandleFunc("/communities/{id}/leave", s.leaveCommunity).Methods(http.MethodPost)
		api.HandleFunc("/communities/{id}/members/{user_id}/role", s.setCommunityRole).Methods(http.MethodPut)
	}
}

func actor(r *http.Request) string {
	id, _ := UserID(r.Context())
	return id
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}

type registerKeyRequest struct {
	PublicKey string `json:"public_key"`
}

func (s *Server) registerKey(w http.ResponseWriter, r *http.Request) {
	var req registerKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	rec, err := s.registry.Register(r.Context(), actor(r), []byte(req.PublicKey))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type generatedKeyResponse struct {
	PrivateKey string                  `json:"private_key"`
	Record     *models.PublicKeyRecord `json:"record"`
	Notice     string                  `json:"notice"`
}

func (s *Server) generateKey(w http.ResponseWriter, r *http.Request) {
	priv, rec, err := s.registry.GenerateFor(r.Context(), actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, generatedKeyResponse{
		PrivateKey: string(priv),
		Record:     rec,
		Notice:     "store the private key now; it will not be shown again",
	})
}

type lookupKeysRequest struct {
	UserIDs []string `json:"user_ids"`
}

func (s *Server) lookupKeys(w http.ResponseWriter, r *http.Request) {
	var req lookupKeysRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	keys, err := s.registry.PublicKeys(r.Context(), req.UserIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make(map[string]string, len(keys))
	for id, pem := range keys {
		out[id] = string(pem)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": out})
}

func (s *Server) publicKey(w http.ResponseWriter, r *http.Request) {
	rec, err := s.registry.Record(r.Context(), mux.Vars(r)["user_id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type createConversationRequest struct {
	Kind           models.ConversationKind `json:"kind"`
	ParticipantIDs []string                `json:"participant_ids"`
	Name           string                  `json:"name"`
	CommunityID    string                  `json:"community_id"`
	Restricted     bool                    `json:"restricted"`
}

type conversationResponse struct {
	Conversation *models.Conversation `json:"conversation"`
	Participants []models.Participant `json:"participants"`
	Missing      []string             `json:"missing,omitempty"`
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	created, err := s.conversations.Create(r.Context(), conversation.CreateRequest{
		Kind:        req.Kind,
		InitiatorID: actor(r),
		OtherIDs:    req.ParticipantIDs,
		Name:        req.Name,
		CommunityID: req.CommunityID,
		Restricted:  req.Restricted,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conversationResponse{
		Conversation: created.Conversation,
		Participants: created.Participants,
		Missing:      created.Missing,
	})
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	conv, participants, err := s.conversations.Get(r.Context(), mux.Vars(r)["id"], actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse{Conversation: conv, Participants: participants})
}

type addParticipantsRequest struct {
	UserIDs []string `json:"user_ids"`
	// SharedKey is the unwrapped conversation key, optional.
	SharedKey []byte `json:"shared_key,omitempty"`
}

func (s *Server) addParticipants(w http.ResponseWriter, r *http.Request) {
	var req addParticipantsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	added, err := s.conversations.AddParticipants(r.Context(), mux.Vars(r)["id"], actor(r), req.UserIDs, req.SharedKey)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"added":   emptyIfNil(added.Added),
		"skipped": emptyIfNil(added.Skipped),
		"missing": emptyIfNil(added.Missing),
	})
}

type setRoleRequest struct {
	Role string `json:"role"`
}

func (s *Server) setRole(w http.ResponseWriter, r *http.Request) {
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
	if err := s.conversations.SetRole(r.Context(), vars["id"], actor(r), vars["user_id"], role); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type wrappedKeyBody struct {
	WrappedKey []byte `json:"wrapped_key"`
}

func (s *Server) resupply(w http.ResponseWriter, r *http.Request) {
	var req wrappedKeyBody
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	vars := mux.Vars(r)
	if err := s.conversations.Resupply(r.Context(), vars["id"], actor(r), vars["user_id"], req.WrappedKey); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) wrappedKey(w http.ResponseWriter, r *http.Request) {
	wrapped, err := s.conversations.WrappedKey(r.Context(), mux.Vars(r)["id"], actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, wrappedKeyBody{WrappedKey: wrapped})
}

func (s *Server) leave(w http.ResponseWriter, r *http.Request) {
	if err := s.conversations.Leave(r.Context(), mux.Vars(r)["id"], actor(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type typingRequest struct {
	IsTyping bool `json:"is_typing"`
}

func (s *Server) typing(w http.ResponseWriter, r *http.Request) {
	var req typingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if err := s.messages.Typing(r.Context(), mux.Vars(r)["id"], actor(r), req.IsTyping); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendMessageRequest struct {
	Kind    models.MessageKind `json:"kind"`
	Content string             `json:"content"`
	// ConversationKey is the unwrapped shared key for group and broadcast
	// conversations.
	ConversationKey []byte `json:"conversation_key,omitempty"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	msg, err := s.messages.Send(r.Context(), messaging.SendRequest{
		ConversationID:  mux.Vars(r)["id"],
		SenderID:        actor(r),
		Kind:            req.Kind,
		Content:         []byte(req.Content),
		ConversationKey: req.ConversationKey,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := 0
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(w, "invalid limit")
			return
		}
		limit = n
	}
	page, err := s.messages.History(r.Context(), messaging.HistoryRequest{
		ConversationID: mux.Vars(r)["id"],
		RequesterID:    actor(r),
		BeforeID:       query.Get("before"),
		Limit:          limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if page.Messages == nil {
		page.Messages = []models.Message{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := s.messages.Delete(r.Context(), actor(r), mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	res, err := s.messages.MarkRead(r.Context(), actor(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"receipted": emptyIfNil(res.Receipted)})
}

func emptyIfNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
