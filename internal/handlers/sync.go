package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/kasipos/kasipos/internal/codec"
	"github.com/kasipos/kasipos/internal/models"
	"github.com/kasipos/kasipos/internal/report"
	"github.com/kasipos/kasipos/internal/signal"
)

// startHost begins an Initiator session: this terminal shows the offer code.
func (r *Router) startHost(w http.ResponseWriter, req *http.Request) {
	if err := r.coordinator.StartInitiator(); err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, r.coordinator.Status())
}

// startJoin begins a Responder session: this terminal scans the offer.
func (r *Router) startJoin(w http.ResponseWriter, req *http.Request) {
	if err := r.coordinator.StartResponder(); err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, r.coordinator.Status())
}

// cancelSync aborts whatever is in flight and returns to idle.
func (r *Router) cancelSync(w http.ResponseWriter, req *http.Request) {
	r.coordinator.Cancel()
	respondJSON(w, http.StatusOK, r.coordinator.Status())
}

// beginScan flips an Initiator from showing its offer to watching the
// camera for the Staff terminal's answer code.
func (r *Router) beginScan(w http.ResponseWriter, req *http.Request) {
	if err := r.coordinator.BeginScan(); err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, r.coordinator.Status())
}

// submitPayload accepts a scanned or pasted handshake payload.
func (r *Router) submitPayload(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Payload string `json:"payload"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Payload == "" {
		respondError(w, http.StatusBadRequest, "Missing payload")
		return
	}

	if err := r.coordinator.SubmitPayload(body.Payload); err != nil {
		if errors.Is(err, codec.ErrDecode) {
			respondError(w, http.StatusUnprocessableEntity, "That code could not be read. Make sure you copied the whole message.")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, r.coordinator.Status())
}

// getCode returns the current handshake code. format=png renders a QR image
// for the UI to display; the default is the raw pasteable text.
func (r *Router) getCode(w http.ResponseWriter, req *http.Request) {
	st := r.coordinator.Status()
	if st.Code == "" {
		respondError(w, http.StatusNotFound, "No code to show right now")
		return
	}

	switch req.URL.Query().Get("format") {
	case "ascii":
		art, err := signal.RenderQRString(st.Code)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Could not render QR code")
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(art))
		return

	case "png":
		size := 512
		if s := req.URL.Query().Get("size"); s != "" {
			if n, err := strconv.Atoi(s); err == nil && n >= 128 && n <= 2048 {
				size = n
			}
		}
		png, err := signal.RenderQR(st.Code, size)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Could not render QR code")
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		w.Write(png)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"code": st.Code,
		"text": signal.ExportText(st.Code, "sync"),
	})
}

// getStatus returns the coordinator snapshot.
func (r *Router) getStatus(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, r.coordinator.Status())
}

// getReport returns the latest finished session. format=pdf renders the
// printable summary.
func (r *Router) getReport(w http.ResponseWriter, req *http.Request) {
	var row models.SyncSession
	query := r.db.Order("created_at DESC")
	if sid := req.URL.Query().Get("session"); sid != "" {
		query = query.Where("session_id = ?", sid)
	}
	if err := query.First(&row).Error; err != nil {
		respondError(w, http.StatusNotFound, "No sync sessions recorded yet")
		return
	}

	if req.URL.Query().Get("format") == "pdf" {
		pdf, err := report.GenerateSessionPDF(&row, r.shopName)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Could not render report")
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", "attachment; filename=sync-report-"+row.SessionID+".pdf")
		w.WriteHeader(http.StatusOK)
		w.Write(pdf)
		return
	}

	respondJSON(w, http.StatusOK, row)
}
