package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elementum-club/service-subscription/internal/adapter"
	"github.com/elementum-club/service-subscription/internal/application"
	"github.com/elementum-club/service-subscription/internal/events"
	"github.com/elementum-club/service-subscription/internal/repository"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CloudPayments webhook response codes. Zero acknowledges the notification;
// 13 tells the gateway the payment was not accepted.
const (
	cpCodeOK       = 0
	cpCodeRejected = 13
)

// NotificationJournal records every inbound notification for audit.
type NotificationJournal interface {
	Record(ctx context.Context, entry repository.JournalEntry) error
}

// WebhookHandler handles the CloudPayments payment notification endpoint.
type WebhookHandler struct {
	reconciler   *application.PaymentReconciler
	subs         *application.SubscriptionService
	messenger    adapter.Messenger
	gateway      *adapter.CloudPaymentsGateway
	journal      NotificationJournal
	publisher    *events.Publisher
	channelID    string
	inviteExpiry time.Duration
	logger       *zap.Logger
}

// NewWebhookHandler creates a WebhookHandler. journal may be nil.
func NewWebhookHandler(
	reconciler *application.PaymentReconciler,
	subs *application.SubscriptionService,
	messenger adapter.Messenger,
	gateway *adapter.CloudPaymentsGateway,
	journal NotificationJournal,
	publisher *events.Publisher,
	channelID string,
	inviteExpiry time.Duration,
	logger *zap.Logger,
) *WebhookHandler {
	return &WebhookHandler{
		reconciler:   reconciler,
		subs:         subs,
		messenger:    messenger,
		gateway:      gateway,
		journal:      journal,
		publisher:    publisher,
		channelID:    channelID,
		inviteExpiry: inviteExpiry,
		logger:       logger,
	}
}

// RegisterRoutes registers the webhook routes.
func (h *WebhookHandler) RegisterRoutes(r *gin.Engine) {
	r.POST("/webhook/cloudpayments", h.HandlePaymentNotification)
}

// HandlePaymentNotification handles POST /webhook/cloudpayments.
// CloudPayments delivers either form-urlencoded or JSON bodies and retries
// until it receives a 2xx with a recognized code.
func (h *WebhookHandler) HandlePaymentNotification(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": cpCodeRejected})
		return
	}

	if !h.gateway.ValidateHMAC(body, c.GetHeader("Content-HMAC")) {
		h.logger.Warn("webhook HMAC validation failed")
		c.JSON(http.StatusUnauthorized, gin.H{"code": cpCodeRejected})
		return
	}

	notification, err := parseNotification(body, c.ContentType())
	if err != nil {
		h.logger.Error("unparseable payment notification",
			zap.String("body", string(body)),
			zap.Error(err),
		)
		c.JSON(http.StatusBadRequest, gin.H{"code": cpCodeRejected})
		return
	}

	result := h.reconciler.Reconcile(notification)
	h.journalNotification(c.Request.Context(), notification, result, string(body))

	if result.Err != nil {
		c.JSON(http.StatusOK, gin.H{"code": cpCodeRejected})
		return
	}
	if !result.Accepted {
		// Declined / cancelled / pending: acknowledged, nothing to do.
		c.JSON(http.StatusOK, gin.H{"code": cpCodeOK})
		return
	}

	activation := result.Activation
	record, err := h.subs.Activate(activation.UserID, activation.PlanID, activation.PaymentID)
	if err != nil {
		h.logger.Error("failed to activate subscription from webhook",
			zap.Int64("user_id", activation.UserID),
			zap.String("plan_id", activation.PlanID),
			zap.Error(err),
		)
		c.JSON(http.StatusOK, gin.H{"code": cpCodeRejected})
		return
	}

	h.publisher.Publish(c.Request.Context(), events.SubscriptionActivated, events.SubscriptionEvent{
		UserID:     record.UserID,
		PlanID:     record.PlanID,
		PaymentID:  record.PaymentID,
		EndDate:    record.EndDate,
		OccurredAt: time.Now().UTC(),
	})

	h.sendConfirmation(c.Request.Context(), record.UserID, record.PlanID, record.EndDate)

	c.JSON(http.StatusOK, gin.H{"code": cpCodeOK})
}

// sendConfirmation notifies the user and hands out a single-use invite link
// to the private channel. Failures are logged only: the payment is already
// reconciled and must not be retried by the gateway because a message could
// not be delivered.
func (h *WebhookHandler) sendConfirmation(ctx context.Context, userID int64, planID string, endDate time.Time) {
	planName := planID
	if p, err := h.subs.Catalog().ByID(planID); err == nil {
		planName = p.Name
	}

	text := fmt.Sprintf(
		"Payment received!\nYour %q subscription is active until %s.",
		planName, endDate.Local().Format("02.01.2006"),
	)

	var buttons [][]adapter.Button
	if h.channelID != "" {
		link, err := h.messenger.CreateInviteLink(ctx, h.channelID, h.inviteExpiry)
		if err != nil {
			h.logger.Error("failed to create invite link",
				zap.Int64("user_id", userID),
				zap.Error(err),
			)
		} else {
			buttons = [][]adapter.Button{{{Text: "Join the private channel", URL: link}}}
		}
	}

	if err := h.messenger.SendMessage(ctx, userID, text, buttons); err != nil {
		h.logger.Error("failed to send activation confirmation",
			zap.Int64("user_id", userID),
			zap.Error(err),
		)
	}
}

// journalNotification appends the notification to the audit journal when one
// is configured.
func (h *WebhookHandler) journalNotification(
	ctx context.Context,
	n application.PaymentNotification,
	result application.ReconcileResult,
	rawBody string,
) {
	if h.journal == nil {
		return
	}

	entry := repository.JournalEntry{
		TransactionID: n.TransactionID,
		Status:        n.Status,
		AccountID:     n.AccountID,
		InvoiceID:     n.InvoiceID,
		Accepted:      result.Accepted,
		RawPayload:    rawBody,
	}
	if result.Accepted {
		entry.UserID = result.Activation.UserID
		entry.PlanID = result.Activation.PlanID
	}
	if result.Err != nil {
		entry.RejectReason = result.Err.Error()
	}

	if err := h.journal.Record(ctx, entry); err != nil {
		h.logger.Error("failed to journal payment notification",
			zap.String("transaction_id", n.TransactionID),
			zap.Error(err),
		)
	}
}

// parseNotification normalizes a webhook body into a PaymentNotification.
// CloudPayments sends form-urlencoded by default but JSON is accepted too;
// numeric fields arrive as either strings or numbers.
func parseNotification(body []byte, contentType string) (application.PaymentNotification, error) {
	var n application.PaymentNotification

	if strings.Contains(contentType, "json") {
		decoder := json.NewDecoder(strings.NewReader(string(body)))
		decoder.UseNumber()
		var fields map[string]any
		if err := decoder.Decode(&fields); err != nil {
			return n, fmt.Errorf("failed to decode JSON notification: %w", err)
		}

		n.TransactionID = stringField(fields, "TransactionId")
		n.Status = stringField(fields, "Status")
		n.Amount = stringField(fields, "Amount")
		n.Currency = stringField(fields, "Currency")
		n.AccountID = stringField(fields, "AccountId")
		n.InvoiceID = stringField(fields, "InvoiceId")
		if data, ok := fields["Data"]; ok && data != nil {
			raw, err := json.Marshal(data)
			if err == nil {
				n.Data = raw
			}
		}
		return n, nil
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		return n, fmt.Errorf("failed to parse form notification: %w", err)
	}

	n.TransactionID = values.Get("TransactionId")
	n.Status = values.Get("Status")
	n.Amount = values.Get("Amount")
	n.Currency = values.Get("Currency")
	n.AccountID = values.Get("AccountId")
	n.InvoiceID = values.Get("InvoiceId")
	if data := values.Get("Data"); data != "" {
		n.Data = json.RawMessage(data)
	}
	return n, nil
}

// stringField renders a decoded JSON field as a string, whatever its type.
func stringField(fields map[string]any, key string) string {
	value, ok := fields[key]
	if !ok || value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
