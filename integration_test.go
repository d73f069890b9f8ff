//go:build integration

package main_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/elementum-club/service-subscription/internal/adapter"
	"github.com/elementum-club/service-subscription/internal/application"
	planDomain "github.com/elementum-club/service-subscription/internal/domain/plan"
	"github.com/elementum-club/service-subscription/internal/events"
	"github.com/elementum-club/service-subscription/internal/handler"
	"github.com/elementum-club/service-subscription/internal/repository"
	"github.com/elementum-club/service-subscription/internal/saga"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// silentMessenger absorbs every outbound Telegram call.
type silentMessenger struct {
	mu     sync.Mutex
	sent   int
	kicked int
}

func (m *silentMessenger) SendMessage(ctx context.Context, userID int64, text string, buttons [][]adapter.Button) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent++
	return nil
}

func (m *silentMessenger) CreateInviteLink(ctx context.Context, channelID string, expiresIn time.Duration) (string, error) {
	return "https://t.me/+test", nil
}

func (m *silentMessenger) KickMember(ctx context.Context, channelID string, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kicked++
	return nil
}

// TestPaymentWebhook_ActivatesJournalsAndPublishes runs the webhook end to
// end: an inbound CloudPayments notification activates the subscription,
// lands in the PostgreSQL audit journal and emits an activation event to
// Kafka. A gateway redelivery of the same transaction is journaled again but
// does not re-activate.
func TestPaymentWebhook_ActivatesJournalsAndPublishes(t *testing.T) {
	pg := setupPostgres(t)
	defer pg.Cleanup()
	kafka := setupKafka(t)
	defer kafka.Cleanup()

	logger, _ := zap.NewDevelopment()
	subs := newFileBackedService(t)
	journal := repository.NewPaymentJournal(pg.DB)
	publisher := events.NewPublisher(kafka.Brokers, subscriptionTopic, logger)
	defer func() { _ = publisher.Close() }()

	messenger := &silentMessenger{}
	gateway := adapter.NewCloudPaymentsGateway("pk_test", "", "", logger)
	reconciler := application.NewPaymentReconciler(logger)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	handler.NewWebhookHandler(reconciler, subs, messenger, gateway, journal, publisher,
		"-100123", 24*time.Hour, logger).RegisterRoutes(router)

	body := "TransactionId=9001&Status=Completed&Amount=700&Currency=RUB" +
		"&AccountId=42&InvoiceId=42_1_month_1690000000000"
	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhook/cloudpayments", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	w := post()
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"code":0}`, w.Body.String())

	record, ok := subs.Query(42)
	require.True(t, ok, "subscription should be active after webhook")
	assert.Equal(t, "1_month", record.PlanID)
	assert.Equal(t, "9001", record.PaymentID)

	// Audit row in PostgreSQL.
	count, err := journal.CountByTransactionID(context.Background(), "9001")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	var model repository.PaymentNotificationModel
	require.NoError(t, pg.DB.Where("transaction_id = ?", "9001").First(&model).Error)
	assert.True(t, model.Accepted)
	assert.Equal(t, int64(42), model.UserID)
	assert.Equal(t, "1_month", model.PlanID)

	// Activation event on Kafka.
	ce := consumeOneEvent(t, kafka.Brokers, events.SubscriptionActivated, 30*time.Second)
	var evt events.SubscriptionEvent
	require.NoError(t, ce.ParseData(&evt))
	assert.Equal(t, int64(42), evt.UserID)
	assert.Equal(t, "1_month", evt.PlanID)
	assert.Equal(t, "9001", evt.PaymentID)

	// Redelivery: journaled again, subscription window untouched.
	w = post()
	require.JSONEq(t, `{"code":0}`, w.Body.String())

	count, err = journal.CountByTransactionID(context.Background(), "9001")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	after, ok := subs.Query(42)
	require.True(t, ok)
	assert.Equal(t, record.EndDate, after.EndDate)
}

// TestLifecycle_ExpiresLapsedSubscription seeds a lapsed record on disk,
// runs one lifecycle cycle and verifies the record turns terminal and an
// expiration event reaches Kafka.
func TestLifecycle_ExpiresLapsedSubscription(t *testing.T) {
	kafka := setupKafka(t)
	defer kafka.Cleanup()

	logger, _ := zap.NewDevelopment()

	// A subscription that ended ten days ago, never processed.
	storePath := filepath.Join(t.TempDir(), "subscriptions.json")
	start := time.Now().UTC().AddDate(0, 0, -40).Format(time.RFC3339)
	end := time.Now().UTC().AddDate(0, 0, -10).Format(time.RFC3339)
	seed := fmt.Sprintf(`{"subscriptions":[{
		"userId":42,"planId":"1_month","startDate":%q,"endDate":%q,
		"isActive":true,"paymentId":"9001"
	}]}`, start, end)
	require.NoError(t, os.WriteFile(storePath, []byte(seed), 0o644))

	store, err := repository.NewFileStore(storePath, logger)
	require.NoError(t, err)
	subs, err := application.NewSubscriptionService(planDomain.DefaultCatalog(), store, logger)
	require.NoError(t, err)

	publisher := events.NewPublisher(kafka.Brokers, subscriptionTopic, logger)
	defer func() { _ = publisher.Close() }()

	messenger := &silentMessenger{}
	lifecycle := saga.NewLifecycleService(subs, planDomain.DefaultCatalog(), messenger,
		publisher, "-100123", time.Minute, logger)

	lifecycle.RunCycle(context.Background())

	records := subs.ListAll()
	require.Len(t, records, 1)
	assert.False(t, records[0].IsActive)
	assert.True(t, records[0].ExpiredProcessed)
	assert.Equal(t, 1, messenger.sent)
	assert.Equal(t, 1, messenger.kicked)

	ce := consumeOneEvent(t, kafka.Brokers, events.SubscriptionExpired, 30*time.Second)
	var evt events.SubscriptionEvent
	require.NoError(t, ce.ParseData(&evt))
	assert.Equal(t, int64(42), evt.UserID)
	assert.Equal(t, "1_month", evt.PlanID)
}
