package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/kilolab/partner-payments-service/internal/domain"
)

// PartnerReader loads the payment status owned by a user.
type PartnerReader interface {
	GetPartnerAccountByOwner(ctx context.Context, ownerUserID string) (*domain.PartnerAccountRecord, error)
}

// AccountReconciler refreshes one connected account from Stripe.
type AccountReconciler interface {
	ReconcileAccount(ctx context.Context, externalAccountID string) (domain.Outcome, error)
}

// Handler serves the partner-facing and internal REST endpoints.
type Handler struct {
	partners   PartnerReader
	reconciler AccountReconciler
}

func NewHandler(partners PartnerReader, reconciler AccountReconciler) *Handler {
	return &Handler{partners: partners, reconciler: reconciler}
}

type paymentStatusResponse struct {
	*domain.PartnerAccountRecord
	CanAcceptOrders bool `json:"can_accept_orders"`
}

func (h *Handler) handleGetPaymentStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Authorization required", http.StatusUnauthorized)
		return
	}

	record, err := h.partners.GetPartnerAccountByOwner(r.Context(), userID)
	if err != nil {
		log.Printf("level=error component=api msg=\"load payment status failed\" user_id=%s err=%v", userID, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if record == nil {
		http.Error(w, "No payment account linked", http.StatusNotFound)
		return
	}

	respondWithJSON(w, http.StatusOK, paymentStatusResponse{
		PartnerAccountRecord: record,
		CanAcceptOrders:      record.OnboardingComplete && record.PayoutsEnabled,
	})
}

type reconcileResponse struct {
	AccountID string `json:"stripe_account_id"`
	Outcome   string `json:"outcome"`
}

func (h *Handler) handleReconcileAccount(w http.ResponseWriter, r *http.Request) {
	accountID := strings.TrimSpace(chi.URLParam(r, "accountID"))
	if !strings.HasPrefix(accountID, "acct_") {
		http.Error(w, "A connected account id is required", http.StatusBadRequest)
		return
	}

	outcome, err := h.reconciler.ReconcileAccount(r.Context(), accountID)
	if err != nil {
		log.Printf("level=error component=api msg=\"reconcile failed\" account_id=%s err=%v", accountID, err)
		switch {
		case errors.Is(err, domain.ErrAccountNotFound):
			http.Error(w, "Connected account not found", http.StatusNotFound)
		case errors.Is(err, domain.ErrMalformedEvent):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, domain.ErrTransientStorage):
			http.Error(w, "Storage unavailable", http.StatusServiceUnavailable)
		default:
			http.Error(w, "Upstream provider error", http.StatusBadGateway)
		}
		return
	}

	respondWithJSON(w, http.StatusOK, reconcileResponse{AccountID: accountID, Outcome: string(outcome)})
}

// respondWithJSON writes JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
