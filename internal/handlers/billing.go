package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/PortNumber53/subscription-sync/internal/billing"
	"github.com/PortNumber53/subscription-sync/internal/models"
)

const (
	maxWebhookBody   = 65536
	maxCheckoutBody  = 4096
	defaultPageLimit = 50
)

// BillingService is the part of billing.Service the HTTP layer calls.
type BillingService interface {
	HandleProviderEvent(ctx context.Context, payload []byte, signature string) error
	CreateCheckout(ctx context.Context, req models.CheckoutRequest) (*models.CheckoutResponse, error)
	DecidePlanForUser(ctx context.Context, userID int64) (billing.PlanDecision, error)
	ShouldChargeUser(ctx context.Context, userID int64) (billing.ChargeDecision, error)
	CurrentSubscription(ctx context.Context, userID int64) (*models.Subscription, error)
}

// PaymentLister lists a user's payment history.
type PaymentLister interface {
	ListPaymentsByUser(ctx context.Context, userID int64, limit int) ([]models.Payment, error)
}

// BillingHandler holds dependencies for the billing and webhook routes.
type BillingHandler struct {
	Billing  BillingService
	Payments PaymentLister
}

// NewBillingHandler creates a new BillingHandler
func NewBillingHandler(svc BillingService, payments PaymentLister) *BillingHandler {
	return &BillingHandler{Billing: svc, Payments: payments}
}

// RegisterRoutes registers webhook and billing routes
func (h *BillingHandler) RegisterRoutes(router chi.Router) {
	router.Post("/api/webhooks/stripe", h.HandleWebhook())
	router.Route("/api/billing", func(r chi.Router) {
		r.Post("/checkout", h.CreateCheckout())
		r.Get("/plan", h.GetPlan())
		r.Get("/should-charge", h.ShouldCharge())
		r.Get("/subscription", h.GetSubscription())
		r.Get("/payments", h.ListPayments())
	})
}

// HandleWebhook verifies and applies a Stripe webhook delivery. Only a bad
// signature is answered with 400; anything else is acknowledged so Stripe
// does not keep redelivering an event we cannot use.
func (h *BillingHandler) HandleWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		err = h.Billing.HandleProviderEvent(r.Context(), body, r.Header.Get("Stripe-Signature"))
		if errors.Is(err, billing.ErrInvalidSignature) {
			log.Printf("[webhook] rejected delivery: %v", err)
			http.Error(w, "invalid signature", http.StatusBadRequest)
			return
		}
		if err != nil {
			log.Printf("[webhook] delivery acknowledged despite error: %v", err)
		}

		writeJSON(w, http.StatusOK, map[string]any{"received": true})
	}
}

// CreateCheckout opens a hosted checkout session for the plan the user qualifies for.
func (h *BillingHandler) CreateCheckout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.CheckoutRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCheckoutBody)).Decode(&req); err != nil {
			http.Error(w, "invalid JSON payload", http.StatusBadRequest)
			return
		}
		if req.UserID <= 0 {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}

		resp, err := h.Billing.CreateCheckout(r.Context(), req)
		if err != nil {
			writeBillingError(w, "CreateCheckout", err)
			return
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

// GetPlan returns the plan decision for a user.
func (h *BillingHandler) GetPlan() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := userIDParam(w, r)
		if !ok {
			return
		}

		decision, err := h.Billing.DecidePlanForUser(r.Context(), userID)
		if err != nil {
			writeBillingError(w, "GetPlan", err)
			return
		}

		writeJSON(w, http.StatusOK, decision)
	}
}

// ShouldCharge applies a due trial upgrade and reports whether the user pays now.
func (h *BillingHandler) ShouldCharge() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := userIDParam(w, r)
		if !ok {
			return
		}

		decision, err := h.Billing.ShouldChargeUser(r.Context(), userID)
		if err != nil {
			writeBillingError(w, "ShouldCharge", err)
			return
		}

		writeJSON(w, http.StatusOK, decision)
	}
}

// GetSubscription returns the user's current subscription, or null.
func (h *BillingHandler) GetSubscription() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := userIDParam(w, r)
		if !ok {
			return
		}

		sub, err := h.Billing.CurrentSubscription(r.Context(), userID)
		if err != nil {
			writeBillingError(w, "GetSubscription", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"subscription": sub})
	}
}

// ListPayments returns the user's payments, newest first.
func (h *BillingHandler) ListPayments() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := userIDParam(w, r)
		if !ok {
			return
		}

		limit := defaultPageLimit
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = parsed
		}

		payments, err := h.Payments.ListPaymentsByUser(r.Context(), userID, limit)
		if err != nil {
			log.Printf("ListPayments: failed for user %d: %v", userID, err)
			http.Error(w, "failed to list payments", http.StatusInternalServerError)
			return
		}
		if payments == nil {
			payments = []models.Payment{}
		}

		writeJSON(w, http.StatusOK, map[string]any{"payments": payments})
	}
}

func userIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if raw == "" {
		http.Error(w, "user_id query parameter is required", http.StatusBadRequest)
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "user_id must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func billingErrorStatus(code billing.ErrorCode) int {
	switch code {
	case billing.CodeActiveSubscriptionExists:
		return http.StatusConflict
	case billing.CodeUserNotFound:
		return http.StatusNotFound
	case billing.CodePlanUnavailable:
		return http.StatusServiceUnavailable
	case billing.CodeProviderError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeBillingError(w http.ResponseWriter, op string, err error) {
	code, ok := billing.CodeOf(err)
	if !ok {
		log.Printf("%s: failed: %v", op, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	log.Printf("%s: %v", op, err)
	writeJSON(w, billingErrorStatus(code), map[string]any{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
