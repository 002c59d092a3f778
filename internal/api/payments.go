// ABOUTME: Message pack purchase routes: create order, verify, cancel and history
// ABOUTME: Verification is idempotent per payment id

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/2389/agentchat/internal/relay"
	"github.com/2389/agentchat/internal/store"
)

type createOrderRequest struct {
	AgentID       string `json:"agentId"`
	MessagePackID string `json:"messagePackId"`
	Quantity      int    `json:"quantity"`
}

func (a *API) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AgentID == "" || req.MessagePackID == "" {
		writeError(w, http.StatusBadRequest, "agentId and messagePackId are required")
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}

	order, err := a.payments.CreateOrder(r.Context(), principal(r).UserID, req.AgentID, req.MessagePackID, req.Quantity)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, envelope{"data": envelope{
		"order": newPaymentView(order.Payment),
		"pack":  newPackView(order.Pack),
	}})
}

type verifyRequest struct {
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId"`
	Signature string `json:"signature"`
}

func (a *API) handleVerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.OrderID == "" || req.PaymentID == "" || req.Signature == "" {
		writeError(w, http.StatusBadRequest, "orderId, paymentId and signature are required")
		return
	}

	v, err := a.payments.Verify(r.Context(), principal(r).UserID, req.OrderID, req.PaymentID, req.Signature)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	body := envelope{
		"payment":  newPaymentView(v.Payment),
		"credited": v.Credited,
		"replayed": v.Replayed,
	}
	if v.Balance != nil {
		body["credits"] = v.Balance
	}
	writeJSON(w, http.StatusOK, envelope{"data": body})
}

func (a *API) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	p, err := a.payments.Cancel(r.Context(), principal(r).UserID, chi.URLParam(r, "orderId"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"data": newPaymentView(p)})
}

// handlePaymentHistory handles GET /api/payments?status=&page=&limit=
func (a *API) handlePaymentHistory(w http.ResponseWriter, r *http.Request) {
	page, ok := queryInt(r, "page")
	if !ok {
		writeError(w, http.StatusBadRequest, "page must be a positive integer")
		return
	}
	limit, ok := queryInt(r, "limit")
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	status := store.PaymentStatus(r.URL.Query().Get("status"))
	result, err := a.payments.History(r.Context(), principal(r).UserID, status, page, limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]paymentView, 0, len(result.Payments))
	for _, p := range result.Payments {
		out = append(out, newPaymentView(p))
	}
	writeJSON(w, http.StatusOK, envelope{
		"data":       out,
		"pagination": relay.NewPagination(result.Page, result.Limit, result.Total),
	})
}
