package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sealchat/conversation"
	"github.com/opd-ai/sealchat/crypto"
	"github.com/opd-ai/sealchat/envelope"
	"github.com/opd-ai/sealchat/keydist"
	"github.com/opd-ai/sealchat/limits"
	"github.com/opd-ai/sealchat/messaging"
	"github.com/opd-ai/sealchat/registry"
	"github.com/opd-ai/sealchat/storage"
)

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps domain errors onto HTTP status codes. Unknown errors are
// internal.
var statusFor = []struct {
	err    error
	status int
}{
	{storage.ErrNotFound, http.StatusNotFound},
	{storage.ErrConflict, http.StatusConflict},
	{registry.ErrNoPublicKey, http.StatusNotFound},
	{registry.ErrInvalidOwner, http.StatusBadRequest},
	{crypto.ErrInvalidKeyMaterial, http.StatusBadRequest},
	{crypto.ErrAuthenticationFailure, http.StatusUnprocessableEntity},
	{crypto.ErrUnwrapFailure, http.StatusUnprocessableEntity},
	{keydist.ErrNotDistributed, http.StatusNotFound},
	{keydist.ErrAlreadyDistributed, http.StatusConflict},
	{keydist.ErrInactiveParticipant, http.StatusForbidden},
	{keydist.ErrWrongWrapSize, http.StatusBadRequest},
	{envelope.ErrSharedKeyRequired, http.StatusBadRequest},
	{envelope.ErrDecryptionUnavailable, http.StatusForbidden},
	{envelope.ErrMalformedEnvelope, http.StatusUnprocessableEntity},
	{limits.ErrMessageEmpty, http.StatusBadRequest},
	{limits.ErrMessageTooLarge, http.StatusRequestEntityTooLarge},
	{conversation.ErrNotParticipant, http.StatusForbidden},
	{conversation.ErrPermissionDenied, http.StatusForbidden},
	{conversation.ErrAdminCannotLeave, http.StatusConflict},
	{conversation.ErrLastAdmin, http.StatusConflict},
	{conversation.ErrInvalidParticipants, http.StatusBadRequest},
	{conversation.ErrWrongKind, http.StatusBadRequest},
	{conversation.ErrKeyMismatch, http.StatusBadRequest},
	{conversation.ErrUnknownCommunity, http.StatusNotFound},
	{conversation.ErrInvalidCommunity, http.StatusBadRequest},
	{conversation.ErrNoMembershipSource, http.StatusNotImplemented},
	{messaging.ErrInvalidMessageKind, http.StatusBadRequest},
	{messaging.ErrMessageDeleted, http.StatusGone},
	{messaging.ErrNoRecipient, http.StatusConflict},
}

func statusOf(err error) int {
	for _, m := range statusFor {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

// writeError answers with the mapped status. Internal errors are logged
// and their text withheld from the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		logrus.WithFields(logrus.Fields{
			"function": "writeError",
			"package":  "api",
			"method":   r.Method,
			"path":     r.URL.Path,
			"error":    err.Error(),
		}).Error("Request failed")
		writeJSON(w, status, errorBody{Error: http.StatusText(status)})
		return
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "writeJSON",
			"package":  "api",
			"error":    err.Error(),
		}).Warn("Response encoding failed")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
