package application

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Reconciliation errors: the notification could not be attributed. The
// gateway owns redelivery; these are reported to the webhook caller, never
// retried here.
var (
	ErrUnresolvedIdentity = errors.New("payment notification carries no resolvable user id")
	ErrUnresolvedPlan     = errors.New("payment notification carries no resolvable plan id")
)

// acceptedStatuses are the gateway statuses that count as money received.
// Everything else (Declined, Cancelled, unknown) is a normal negative
// outcome, not a fault: CloudPayments retries pending notifications.
var acceptedStatuses = map[string]struct{}{
	"Completed":  {},
	"Authorized": {},
}

// PaymentNotification is the normalized inbound webhook payload. Data is the
// gateway's free-form metadata field and may be absent, a JSON object, a
// JSON-encoded string, or a doubly-JSON-encoded string.
type PaymentNotification struct {
	TransactionID string          `json:"TransactionId"`
	Status        string          `json:"Status"`
	Amount        string          `json:"Amount"`
	Currency      string          `json:"Currency"`
	AccountID     string          `json:"AccountId"`
	InvoiceID     string          `json:"InvoiceId"`
	Data          json.RawMessage `json:"Data"`
}

// notificationMetadata is what we look for inside the Data field.
type notificationMetadata struct {
	UserID string `json:"userId"`
	ChatID string `json:"chatId"`
	PlanID string `json:"planId"`
}

// Activation is a validated activation command produced from an accepted
// notification.
type Activation struct {
	UserID    int64
	PlanID    string
	PaymentID string
}

// ReconcileResult is the outcome of processing one notification.
type ReconcileResult struct {
	// Accepted is true when the status is a paid status and the identity and
	// plan both resolved. When false and Err is nil the notification was a
	// normal negative outcome (declined, cancelled, pending retry).
	Accepted   bool
	Activation Activation
	Err        error
}

// PaymentReconciler turns loosely-typed gateway notifications into validated
// activation commands.
type PaymentReconciler struct {
	logger *zap.Logger
}

// NewPaymentReconciler creates a PaymentReconciler.
func NewPaymentReconciler(logger *zap.Logger) *PaymentReconciler {
	return &PaymentReconciler{logger: logger}
}

// Reconcile validates a notification. It never returns an error for a
// non-paid status; resolution failures on a paid status are reported via
// ReconcileResult.Err.
func (r *PaymentReconciler) Reconcile(n PaymentNotification) ReconcileResult {
	metadata := r.parseMetadata(n.Data)

	if _, ok := acceptedStatuses[n.Status]; !ok {
		r.logger.Info("payment notification status not accepted, skipping",
			zap.String("transaction_id", n.TransactionID),
			zap.String("status", n.Status),
		)
		return ReconcileResult{}
	}

	userID, err := resolveUserID(metadata, n.AccountID)
	if err != nil {
		r.logger.Error("accepted payment with unresolvable user",
			zap.String("transaction_id", n.TransactionID),
			zap.String("account_id", n.AccountID),
		)
		return ReconcileResult{Err: err}
	}

	planID := resolvePlanID(metadata, n.InvoiceID)
	if planID == "" {
		r.logger.Error("accepted payment with unresolvable plan",
			zap.String("transaction_id", n.TransactionID),
			zap.String("invoice_id", n.InvoiceID),
		)
		return ReconcileResult{Err: ErrUnresolvedPlan}
	}

	return ReconcileResult{
		Accepted: true,
		Activation: Activation{
			UserID:    userID,
			PlanID:    planID,
			PaymentID: n.TransactionID,
		},
	}
}

// parseMetadata decodes the Data field up to two levels deep. CloudPayments
// has been observed to deliver it as an object, a JSON string, and a
// JSON-string-of-a-JSON-string; anything unparseable is discarded.
func (r *PaymentReconciler) parseMetadata(raw json.RawMessage) notificationMetadata {
	var metadata notificationMetadata
	if len(raw) == 0 {
		return metadata
	}

	payload := []byte(raw)
	for i := 0; i < 2; i++ {
		var asString string
		if err := json.Unmarshal(payload, &asString); err != nil {
			break
		}
		payload = []byte(asString)
	}

	if err := json.Unmarshal(payload, &metadata); err != nil {
		r.logger.Warn("unparseable notification metadata, ignoring",
			zap.String("data", string(raw)),
			zap.Error(err),
		)
	}
	return metadata
}

// resolveUserID prefers the metadata user id, falling back to AccountId.
func resolveUserID(metadata notificationMetadata, accountID string) (int64, error) {
	for _, candidate := range []string{metadata.UserID, accountID} {
		if candidate == "" {
			continue
		}
		id, err := strconv.ParseInt(candidate, 10, 64)
		if err != nil || id == 0 {
			continue
		}
		return id, nil
	}
	return 0, ErrUnresolvedIdentity
}

// resolvePlanID prefers the metadata plan id, falling back to the invoice id,
// whose format is "{userId}_{planId}_{epochMillis}". Plan ids may themselves
// contain underscores ("3_months"), so the first segment (user id) and the
// last segment (timestamp) are dropped and the middle rejoined.
func resolvePlanID(metadata notificationMetadata, invoiceID string) string {
	if metadata.PlanID != "" {
		return metadata.PlanID
	}
	parts := strings.Split(invoiceID, "_")
	if len(parts) < 3 {
		return ""
	}
	return strings.Join(parts[1:len(parts)-1], "_")
}
