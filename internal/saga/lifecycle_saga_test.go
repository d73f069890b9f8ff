package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/elementum-club/service-subscription/internal/adapter"
	planDomain "github.com/elementum-club/service-subscription/internal/domain/plan"
	subDomain "github.com/elementum-club/service-subscription/internal/domain/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeStateMachine is an in-memory StateMachine.
type fakeStateMachine struct {
	mu      sync.Mutex
	records map[int64]subDomain.UserSubscription
}

func newFakeStateMachine(records ...subDomain.UserSubscription) *fakeStateMachine {
	m := &fakeStateMachine{records: make(map[int64]subDomain.UserSubscription)}
	for _, r := range records {
		m.records[r.UserID] = r
	}
	return m
}

func (m *fakeStateMachine) ListAll() []subDomain.UserSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]subDomain.UserSubscription, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	return out
}

func (m *fakeStateMachine) Patch(userID int64, patch subDomain.Patch) (subDomain.UserSubscription, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[userID]
	if !ok {
		return subDomain.UserSubscription{}, false, nil
	}
	patch.Apply(&record)
	m.records[userID] = record
	return record, true, nil
}

func (m *fakeStateMachine) get(userID int64) subDomain.UserSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[userID]
}

// fakeMessenger records sends and kicks; failures are scriptable.
type fakeMessenger struct {
	mu       sync.Mutex
	sent     []string
	kicked   []int64
	sendErr  error
	kickErr  error
	sendGate chan struct{}
}

func (f *fakeMessenger) SendMessage(ctx context.Context, userID int64, text string, buttons [][]adapter.Button) error {
	if f.sendGate != nil {
		<-f.sendGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, fmt.Sprintf("%d:%s", userID, text))
	return nil
}

func (f *fakeMessenger) CreateInviteLink(ctx context.Context, channelID string, expiresIn time.Duration) (string, error) {
	return "https://t.me/+invite", nil
}

func (f *fakeMessenger) KickMember(ctx context.Context, channelID string, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.kickErr != nil {
		return f.kickErr
	}
	f.kicked = append(f.kicked, userID)
	return nil
}

func (f *fakeMessenger) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestLifecycle(subs StateMachine, messenger adapter.Messenger, channelID string) *LifecycleService {
	return NewLifecycleService(
		subs, planDomain.DefaultCatalog(), messenger, nil, channelID, time.Minute, zap.NewNop(),
	)
}

func activeRecord(userID int64, start time.Time, days int) subDomain.UserSubscription {
	return subDomain.UserSubscription{
		UserID:    userID,
		PlanID:    "1_month",
		StartDate: start,
		EndDate:   start.AddDate(0, 0, days),
		IsActive:  true,
		PaymentID: "tx-1",
	}
}

func TestFullLifecycleScenario(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	subs := newFakeStateMachine(activeRecord(42, t0, 30))
	messenger := &fakeMessenger{}
	svc := newTestLifecycle(subs, messenger, "-100123")

	ctx := context.Background()

	// 27 days in: only the 3-day reminder fires.
	svc.now = func() time.Time { return t0.AddDate(0, 0, 27) }
	svc.RunCycle(ctx)
	assert.Equal(t, 1, messenger.sentCount())
	assert.True(t, subs.get(42).Reminder3DaysSent)
	assert.False(t, subs.get(42).Reminder12HoursSent)

	// Running again in the same window sends nothing new.
	svc.RunCycle(ctx)
	assert.Equal(t, 1, messenger.sentCount())

	// 29d13h in: the 12-hour reminder fires once.
	svc.now = func() time.Time { return t0.Add(29*24*time.Hour + 13*time.Hour) }
	svc.RunCycle(ctx)
	assert.Equal(t, 2, messenger.sentCount())
	assert.True(t, subs.get(42).Reminder12HoursSent)

	// Just past the end: expiration saga runs to completion.
	svc.now = func() time.Time { return t0.AddDate(0, 0, 30).Add(time.Minute) }
	svc.RunCycle(ctx)

	record := subs.get(42)
	assert.True(t, record.ExpiredMessageSent)
	assert.True(t, record.RemovedFromPrivateGroup)
	assert.False(t, record.IsActive)
	assert.True(t, record.ExpiredProcessed)
	assert.Equal(t, []int64{42}, messenger.kicked)

	// Ten days later the terminal record is untouched.
	sentBefore := messenger.sentCount()
	svc.now = func() time.Time { return t0.AddDate(0, 0, 40) }
	svc.RunCycle(ctx)
	assert.Equal(t, sentBefore, messenger.sentCount())
	assert.Equal(t, []int64{42}, messenger.kicked)
}

func TestSameDayNoticeFiresOnEndDate(t *testing.T) {
	// Ends today at 18:00; the earlier reminders already went out.
	end := time.Date(2026, 1, 31, 18, 0, 0, 0, time.UTC)
	record := activeRecord(42, end.AddDate(0, 0, -30), 30)
	record.Reminder3DaysSent = true
	record.Reminder12HoursSent = true
	subs := newFakeStateMachine(record)
	messenger := &fakeMessenger{}
	svc := newTestLifecycle(subs, messenger, "")

	svc.now = func() time.Time { return time.Date(2026, 1, 31, 10, 0, 0, 0, time.UTC) }
	svc.RunCycle(context.Background())

	assert.Equal(t, 1, messenger.sentCount())
	assert.True(t, subs.get(42).ExpiryDayNoticeSent)
}

func TestDeliveryFailureLeavesFlagForRetry(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	subs := newFakeStateMachine(activeRecord(42, t0, 30))
	messenger := &fakeMessenger{sendErr: errors.New("telegram down")}
	svc := newTestLifecycle(subs, messenger, "-100123")

	svc.now = func() time.Time { return t0.AddDate(0, 0, 27) }
	svc.RunCycle(context.Background())
	assert.False(t, subs.get(42).Reminder3DaysSent)

	// Next cycle the send works and the flag advances.
	messenger.mu.Lock()
	messenger.sendErr = nil
	messenger.mu.Unlock()
	svc.RunCycle(context.Background())
	assert.True(t, subs.get(42).Reminder3DaysSent)
	assert.Equal(t, 1, messenger.sentCount())
}

func TestExpirationRetriesKickUntilItSucceeds(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	subs := newFakeStateMachine(activeRecord(42, t0, 30))
	messenger := &fakeMessenger{kickErr: errors.New("telegram down")}
	svc := newTestLifecycle(subs, messenger, "-100123")
	svc.now = func() time.Time { return t0.AddDate(0, 0, 31) }

	svc.RunCycle(context.Background())

	record := subs.get(42)
	assert.True(t, record.ExpiredMessageSent)
	assert.False(t, record.RemovedFromPrivateGroup)
	assert.False(t, record.ExpiredProcessed, "must stay non-terminal until removal succeeds")

	messenger.mu.Lock()
	messenger.kickErr = nil
	messenger.mu.Unlock()
	svc.RunCycle(context.Background())

	record = subs.get(42)
	assert.True(t, record.RemovedFromPrivateGroup)
	assert.True(t, record.ExpiredProcessed)
	assert.False(t, record.IsActive)
	// The expired notice went out exactly once.
	assert.Equal(t, 1, messenger.sentCount())
}

func TestExpirationWithoutChannelStillFinalizes(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	subs := newFakeStateMachine(activeRecord(42, t0, 30))
	messenger := &fakeMessenger{}
	svc := newTestLifecycle(subs, messenger, "")
	svc.now = func() time.Time { return t0.AddDate(0, 0, 31) }

	svc.RunCycle(context.Background())

	record := subs.get(42)
	assert.True(t, record.ExpiredProcessed)
	assert.False(t, record.IsActive)
	assert.False(t, record.RemovedFromPrivateGroup)
	assert.Empty(t, messenger.kicked)
}

func TestExpirationForcesReminderFlagsOnFinalize(t *testing.T) {
	// Activated and lapsed between two cycles: no reminder window was seen.
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	record := activeRecord(42, t0, 30)
	subs := newFakeStateMachine(record)
	messenger := &fakeMessenger{}
	svc := newTestLifecycle(subs, messenger, "")
	svc.now = func() time.Time { return t0.AddDate(0, 0, 45) }

	svc.RunCycle(context.Background())

	got := subs.get(42)
	assert.True(t, got.Reminder3DaysSent)
	assert.True(t, got.Reminder12HoursSent)
	assert.True(t, got.ExpiryDayNoticeSent)
	assert.True(t, got.ExpiredProcessed)
	// Only the expired notice was delivered; the forced flags never sent.
	assert.Equal(t, 1, messenger.sentCount())
}

func TestOverlappingCycleIsSkipped(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	subs := newFakeStateMachine(activeRecord(42, t0, 30))
	gate := make(chan struct{})
	messenger := &fakeMessenger{sendGate: gate}
	svc := newTestLifecycle(subs, messenger, "")
	svc.now = func() time.Time { return t0.AddDate(0, 0, 27) }

	done := make(chan struct{})
	go func() {
		svc.RunCycle(context.Background())
		close(done)
	}()

	// Wait for the first cycle to block inside the send.
	require.Eventually(t, func() bool { return svc.running.Load() }, time.Second, time.Millisecond)

	// A tick during a running cycle returns without doing anything.
	svc.RunCycle(context.Background())
	assert.Equal(t, 0, messenger.sentCount())

	close(gate)
	<-done
	assert.Equal(t, 1, messenger.sentCount())
}
