package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"

	"oraculo/internal/auth"
	"oraculo/internal/order"
	"oraculo/internal/proofs"
)

func (s *Server) listProofs(w http.ResponseWriter, r *http.Request, _ auth.Principal) {
	status := order.ReviewStatus(r.URL.Query().Get("status"))
	switch status {
	case "":
		status = order.ReviewPending
	case order.ReviewPending, order.ReviewApproved, order.ReviewRejected:
	default:
		s.fail(w, r, badRequest("status must be pending, approved or rejected"))
		return
	}

	list, err := s.deps.Orders.ListProofs(r.Context(), status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []order.Proof{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"proofs": list})
}

// proofFile redirects staff to a short-lived link for the stored file.
func (s *Server) proofFile(w http.ResponseWriter, r *http.Request, _ auth.Principal) {
	proofID, err := pathID(r, "proofID")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.deps.Orders.GetProof(r.Context(), proofID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	link, err := s.deps.Proofs.URL(r.Context(), p.FileKey, s.deps.ProofLinkTTL)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	http.Redirect(w, r, link, http.StatusFound)
}

func (s *Server) serveProofFile(w http.ResponseWriter, r *http.Request, _ auth.Principal) {
	key := r.PathValue("key")
	f, err := s.deps.Proofs.(FileOpener).Open(key)
	if err != nil {
		if errors.Is(err, proofs.ErrFileNotFound) {
			s.fail(w, r, err)
			return
		}
		s.fail(w, r, badRequest("invalid proof key"))
		return
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "private, no-store")
	http.ServeContent(w, r, path.Base(key), st.ModTime(), f)
}

func (s *Server) approveProof(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	s.review(w, r, p, order.Decision{Approve: true})
}

func (s *Server) rejectProof(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeOptional(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	s.review(w, r, p, order.Decision{Approve: false, Reason: body.Reason})
}

func (s *Server) review(w http.ResponseWriter, r *http.Request, p auth.Principal, d order.Decision) {
	proofID, err := pathID(r, "proofID")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	o, proof, err := s.deps.Orders.ReviewProof(r.Context(), p.Actor(), proofID, d)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": o, "proof": proof})
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request, _ auth.Principal) {
	orderID, err := pathID(r, "orderID")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	txns, err := s.deps.Orders.Transactions(r.Context(), orderID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if txns == nil {
		txns = []order.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txns})
}

func (s *Server) refundOrder(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	orderID, err := pathID(r, "orderID")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeOptional(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	o, err := s.deps.Orders.Refund(r.Context(), p.Actor(), orderID, strings.TrimSpace(body.Reason))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// decodeOptional decodes a JSON body when one was sent.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return badRequest("invalid JSON body")
}
