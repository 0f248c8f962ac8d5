package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kasipos/kasipos/internal/codec"
	"github.com/kasipos/kasipos/internal/relay"
)

// relayExport builds a sealed export blob for a messaging channel.
func (r *Router) relayExport(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Kind string `json:"kind"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Kind == "" {
		respondError(w, http.StatusBadRequest, "Missing export kind")
		return
	}

	text, err := r.relay.Export(body.Kind)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"text": text})
}

// relayImport merges a pasted export blob.
func (r *Router) relayImport(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Text == "" {
		respondError(w, http.StatusBadRequest, "Missing pasted text")
		return
	}

	rep, err := r.relay.Import(body.Text)
	switch {
	case errors.Is(err, relay.ErrReplayed):
		respondError(w, http.StatusConflict, "This export was already imported on this terminal.")
		return
	case errors.Is(err, relay.ErrSealed):
		respondError(w, http.StatusForbidden, "This export belongs to a different store key.")
		return
	case errors.Is(err, relay.ErrForged):
		respondError(w, http.StatusForbidden, "This export was altered after it was created. Ask the other terminal to export again.")
		return
	case errors.Is(err, codec.ErrDecode):
		respondError(w, http.StatusUnprocessableEntity, "That text could not be read. Make sure you copied the whole message.")
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if r.hub != nil {
		r.hub.Broadcast(map[string]interface{}{"type": "relay_import", "report": rep})
	}
	respondJSON(w, http.StatusOK, rep)
}
