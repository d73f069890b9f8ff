package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/elementum-club/service-subscription/internal/application"
	subDomain "github.com/elementum-club/service-subscription/internal/domain/subscription"
	"github.com/gin-gonic/gin"
)

// SubscriptionDTO is the API representation of a subscription record.
type SubscriptionDTO struct {
	UserID                  int64     `json:"user_id"`
	PlanID                  string    `json:"plan_id"`
	StartDate               time.Time `json:"start_date"`
	EndDate                 time.Time `json:"end_date"`
	IsActive                bool      `json:"is_active"`
	PaymentID               string    `json:"payment_id,omitempty"`
	Reminder3DaysSent       bool      `json:"reminder_3_days_sent"`
	Reminder12HoursSent     bool      `json:"reminder_12_hours_sent"`
	ExpiryDayNoticeSent     bool      `json:"expiry_day_notice_sent"`
	ExpiredMessageSent      bool      `json:"expired_message_sent"`
	RemovedFromPrivateGroup bool      `json:"removed_from_private_group"`
	ExpiredProcessed        bool      `json:"expired_processed"`
}

// SubscriptionHandler serves the plan catalog and the admin subscription API.
type SubscriptionHandler struct {
	subs *application.SubscriptionService
}

// NewSubscriptionHandler creates a SubscriptionHandler.
func NewSubscriptionHandler(subs *application.SubscriptionService) *SubscriptionHandler {
	return &SubscriptionHandler{subs: subs}
}

// RegisterRoutes registers public and admin routes. Admin routes require a
// bearer token when a JWT secret is configured.
func (h *SubscriptionHandler) RegisterRoutes(r *gin.RouterGroup, jwtSecret string) {
	r.GET("/plans", h.ListPlans)

	admin := r.Group("/admin")
	admin.Use(AuthMiddleware(jwtSecret))
	{
		admin.GET("/subscriptions", h.ListSubscriptions)
		admin.GET("/subscriptions/:userId", h.GetSubscription)
	}
}

// ListPlans handles GET /api/v1/plans.
func (h *SubscriptionHandler) ListPlans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plans": h.subs.Catalog().All()})
}

// ListSubscriptions handles GET /api/v1/admin/subscriptions.
func (h *SubscriptionHandler) ListSubscriptions(c *gin.Context) {
	records := h.subs.ListAll()
	dtos := make([]SubscriptionDTO, len(records))
	for i, record := range records {
		dtos[i] = toSubscriptionDTO(record)
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": dtos})
}

// GetSubscription handles GET /api/v1/admin/subscriptions/:userId. It
// returns the raw record, including lapsed and terminal ones.
func (h *SubscriptionHandler) GetSubscription(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	for _, record := range h.subs.ListAll() {
		if record.UserID == userID {
			c.JSON(http.StatusOK, toSubscriptionDTO(record))
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
}

// toSubscriptionDTO maps a domain record to its API shape.
func toSubscriptionDTO(record subDomain.UserSubscription) SubscriptionDTO {
	return SubscriptionDTO{
		UserID:                  record.UserID,
		PlanID:                  record.PlanID,
		StartDate:               record.StartDate,
		EndDate:                 record.EndDate,
		IsActive:                record.IsActive,
		PaymentID:               record.PaymentID,
		Reminder3DaysSent:       record.Reminder3DaysSent,
		Reminder12HoursSent:     record.Reminder12HoursSent,
		ExpiryDayNoticeSent:     record.ExpiryDayNoticeSent,
		ExpiredMessageSent:      record.ExpiredMessageSent,
		RemovedFromPrivateGroup: record.RemovedFromPrivateGroup,
		ExpiredProcessed:        record.ExpiredProcessed,
	}
}
