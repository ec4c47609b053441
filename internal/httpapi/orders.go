package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"oraculo/internal/auth"
	"oraculo/internal/order"
	"oraculo/internal/pix"
	"oraculo/internal/proofs"

	"github.com/google/uuid"
)

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, badRequest("invalid " + name)
	}
	return id, nil
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var in order.CreateInput
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		s.fail(w, r, badRequest("invalid JSON body"))
		return
	}
	if in.Customer.Email == "" {
		in.Customer.Email = p.Email
	}

	o, err := s.deps.Orders.Create(r.Context(), p.UserID, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	orders, err := s.deps.Orders.List(r.Context(), p.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if orders == nil {
		orders = []order.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	orderID, err := pathID(r, "orderID")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	o, err := s.deps.Orders.GetVisible(r.Context(), p.Actor(), orderID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	orderID, err := pathID(r, "orderID")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	o, err := s.deps.Orders.Cancel(r.Context(), p.Actor(), orderID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// manualPix switches a pending order to the manual path and returns the
// static BR Code the buyer pays with.
func (s *Server) manualPix(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	orderID, err := pathID(r, "orderID")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.deps.Pix.Key == "" {
		s.fail(w, r, errPixNotConfigured)
		return
	}

	o, err := s.deps.Orders.UseManualPix(r.Context(), p.UserID, orderID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	code, err := s.brCode(o)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, pix.Instructions{
		Provider:     order.ProviderManual,
		Method:       order.MethodPix,
		PixKey:       s.deps.Pix.Key,
		Amount:       o.Total.StringFixed(2),
		PixCopyPaste: code,
		QRCodeURL:    fmt.Sprintf("%s/orders/%s/pix-qr.png", strings.TrimRight(s.deps.PublicURL, "/"), o.ID),
	})
}

func (s *Server) pixQR(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	orderID, err := pathID(r, "orderID")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.deps.Pix.Key == "" {
		s.fail(w, r, errPixNotConfigured)
		return
	}
	o, err := s.deps.Orders.GetVisible(r.Context(), p.Actor(), orderID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if o.Status != order.StatusPendingPayment {
		s.fail(w, r, fmt.Errorf("%w: order is %s", order.ErrInvalidTransition, o.Status))
		return
	}

	code, err := s.brCode(o)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	png, err := pix.QRPNG(code, 320)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "private, max-age=300")
	_, _ = w.Write(png)
}

func (s *Server) brCode(o *order.Order) (string, error) {
	return pix.StaticPayload(pix.Payload{
		Key:          s.deps.Pix.Key,
		MerchantName: s.deps.Pix.MerchantName,
		City:         s.deps.Pix.City,
		Amount:       o.Total,
		TxID:         strings.ToUpper(o.ID.String()[:8]),
		Description:  "Pedido " + strings.ToUpper(o.ID.String()[:8]),
	})
}

func (s *Server) uploadProof(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	orderID, err := pathID(r, "orderID")
	if err != nil {
		s.fail(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, proofs.MaxSize+1<<20)
	file, _, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(w, r, proofs.ErrTooLarge)
			return
		}
		s.fail(w, r, badRequest("multipart field \"file\" is required"))
		return
	}
	defer file.Close()

	data, contentType, err := proofs.Read(file)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	proof, err := s.deps.Orders.SubmitProof(r.Context(), p.UserID, orderID, order.ProofUpload{ContentType: contentType, Data: data})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, proof)
}
