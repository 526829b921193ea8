package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/kelworks/keld/internal/storage"
	"github.com/kelworks/keld/pkg/event"
	"github.com/kelworks/keld/pkg/kel"
	"github.com/kelworks/keld/pkg/processor"
)

// Message type discriminators for the submission envelope.
const (
	MessageTypeEvent               = "event"
	MessageTypeReceipt             = "receipt"
	MessageTypeTransferableReceipt = "transferable-receipt"
)

// Envelope wraps one inbound message with its type tag.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SubmitResponse reports what happened to a submitted message.
type SubmitResponse struct {
	Outcome string `json:"outcome"`
	// Missing counts outstanding signatures or receipts for the partial
	// outcomes.
	Missing uint `json:"missing,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var env Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode envelope: %w", err))
		return
	}

	msg, err := decodeMessage(env)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.svc.Process(r.Context(), msg)
	if err != nil {
		if processor.IsRejection(err) {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		s.logger.Error("message processing failed",
			"identifier", msg.MessageIdentifier().String(), "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}

	writeJSON(w, http.StatusOK, SubmitResponse{
		Outcome: res.Outcome.String(),
		Missing: res.Missing,
	})
}

func decodeMessage(env Envelope) (event.Message, error) {
	switch env.Type {
	case MessageTypeEvent:
		var m event.SignedEvent
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		return &m, nil
	case MessageTypeReceipt:
		var m event.SignedReceipt
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, fmt.Errorf("decode receipt: %w", err)
		}
		return &m, nil
	case MessageTypeTransferableReceipt:
		var m event.TransferableReceipt
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, fmt.Errorf("decode transferable receipt: %w", err)
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}

func (s *Server) handleIdentifiers(w http.ResponseWriter, r *http.Request) {
	ids, err := s.svc.Identifiers(r.Context())
	if err != nil {
		s.logger.Error("list identifiers failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	if ids == nil {
		ids = []event.Identifier{}
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) handleKeyState(w http.ResponseWriter, r *http.Request) {
	id := event.Identifier(r.PathValue("id"))
	st, err := s.svc.KeyState(r.Context(), id)
	if err != nil {
		if errors.Is(err, kel.ErrUnknownIdentifier) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		s.logger.Error("key state lookup failed", "identifier", id.String(), "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleKeyEventLog(w http.ResponseWriter, r *http.Request) {
	id := event.Identifier(r.PathValue("id"))
	log, err := s.svc.KeyEventLog(r.Context(), id)
	if err != nil {
		if errors.Is(err, kel.ErrUnknownIdentifier) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		s.logger.Error("log retrieval failed", "identifier", id.String(), "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, log)
}

func (s *Server) handleReceipts(w http.ResponseWriter, r *http.Request) {
	id := event.Identifier(r.PathValue("id"))
	sn, err := strconv.ParseUint(r.PathValue("sn"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid sequence number: %w", err))
		return
	}
	recs, err := s.svc.Receipts(r.Context(), id, sn)
	if err != nil {
		s.logger.Error("receipt lookup failed", "identifier", id.String(), "sn", sn, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	if recs == nil {
		recs = []storage.ReceiptRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleEscrow(w http.ResponseWriter, r *http.Request) {
	reason := storage.EscrowReason(r.PathValue("reason"))
	if !reason.Valid() {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown escrow %q", reason))
		return
	}
	entries, err := s.svc.Escrowed(r.Context(), reason)
	if err != nil {
		s.logger.Error("escrow listing failed", "reason", string(reason), "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	if entries == nil {
		entries = []*event.SignedEvent{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
