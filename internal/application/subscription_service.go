package application

import (
	"fmt"
	"sort"
	"sync"
	"time"

	planDomain "github.com/elementum-club/service-subscription/internal/domain/plan"
	subDomain "github.com/elementum-club/service-subscription/internal/domain/subscription"
	"go.uber.org/zap"
)

// SubscriptionStore is the persistence contract for the subscription set.
type SubscriptionStore interface {
	Load() (map[int64]subDomain.UserSubscription, error)
	Save(map[int64]subDomain.UserSubscription) error
}

// SubscriptionService is the single authoritative view over the subscription
// set. It loads the store once at construction and persists the full set
// synchronously on every mutation, so the in-memory state is always what was
// last written.
//
// All read-modify-write paths take a per-user lock: the payment webhook and
// the lifecycle job run on different goroutines and may target the same user.
type SubscriptionService struct {
	catalog *planDomain.Catalog
	store   SubscriptionStore
	logger  *zap.Logger

	mu            sync.RWMutex
	subscriptions map[int64]subDomain.UserSubscription

	userMu sync.Mutex
	locks  map[int64]*sync.Mutex

	now func() time.Time
}

// NewSubscriptionService creates the service and loads persisted state.
func NewSubscriptionService(catalog *planDomain.Catalog, store SubscriptionStore, logger *zap.Logger) (*SubscriptionService, error) {
	subscriptions, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription store: %w", err)
	}

	logger.Info("subscription store loaded", zap.Int("records", len(subscriptions)))

	return &SubscriptionService{
		catalog:       catalog,
		store:         store,
		logger:        logger,
		subscriptions: subscriptions,
		locks:         make(map[int64]*sync.Mutex),
		now:           time.Now,
	}, nil
}

// Catalog returns the plan catalog.
func (s *SubscriptionService) Catalog() *planDomain.Catalog {
	return s.catalog
}

// lockUser returns the mutex serializing mutations for one user.
func (s *SubscriptionService) lockUser(userID int64) *sync.Mutex {
	s.userMu.Lock()
	defer s.userMu.Unlock()
	m, ok := s.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[userID] = m
	}
	return m
}

// Query returns the user's subscription if it is active and not past its end
// date. A record past its end date is reported absent, but IsActive is left
// untouched: only the lifecycle job flips it, together with the expired
// notice and the channel removal. Flipping here would hide "went stale since
// last cycle" from the job and skip required notifications.
func (s *SubscriptionService) Query(userID int64) (subDomain.UserSubscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.subscriptions[userID]
	if !ok || !record.IsActive {
		return subDomain.UserSubscription{}, false
	}
	if s.now().After(record.EndDate) {
		return subDomain.UserSubscription{}, false
	}
	return record, true
}

// HasActive reports whether the user currently holds a usable subscription.
func (s *SubscriptionService) HasActive(userID int64) bool {
	_, ok := s.Query(userID)
	return ok
}

// Activate creates or overwrites the user's subscription for the given plan
// and persists it. All progress flags reset. Returns ErrPlanNotFound for an
// unknown plan.
//
// Redelivered gateway notifications are a no-op: if the stored record is
// still active and already carries paymentID, the existing record is
// returned unchanged instead of restarting the subscription window.
func (s *SubscriptionService) Activate(userID int64, planID, paymentID string) (subDomain.UserSubscription, error) {
	p, err := s.catalog.ByID(planID)
	if err != nil {
		return subDomain.UserSubscription{}, err
	}

	userLock := s.lockUser(userID)
	userLock.Lock()
	defer userLock.Unlock()

	s.mu.Lock()
	if existing, ok := s.subscriptions[userID]; ok &&
		existing.IsActive && paymentID != "" && existing.PaymentID == paymentID {
		s.mu.Unlock()
		s.logger.Warn("duplicate payment notification, activation skipped",
			zap.Int64("user_id", userID),
			zap.String("payment_id", paymentID),
		)
		return existing, nil
	}

	startDate := s.now()
	record := subDomain.UserSubscription{
		UserID:    userID,
		PlanID:    planID,
		StartDate: startDate,
		EndDate:   startDate.AddDate(0, 0, p.DurationDays),
		IsActive:  true,
		PaymentID: paymentID,
	}
	s.subscriptions[userID] = record
	err = s.persistLocked()
	s.mu.Unlock()

	if err != nil {
		return subDomain.UserSubscription{}, err
	}

	s.logger.Info("subscription activated",
		zap.Int64("user_id", userID),
		zap.String("plan_id", planID),
		zap.String("payment_id", paymentID),
		zap.Time("end_date", record.EndDate),
	)
	return record, nil
}

// Patch merges the given fields onto the user's record and persists. Returns
// false (and persists nothing) if the user has no record.
func (s *SubscriptionService) Patch(userID int64, patch subDomain.Patch) (subDomain.UserSubscription, bool, error) {
	userLock := s.lockUser(userID)
	userLock.Lock()
	defer userLock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.subscriptions[userID]
	if !ok {
		return subDomain.UserSubscription{}, false, nil
	}

	patch.Apply(&record)
	s.subscriptions[userID] = record

	if err := s.persistLocked(); err != nil {
		return subDomain.UserSubscription{}, false, err
	}
	return record, true, nil
}

// ListAll returns an unfiltered snapshot of every record, ordered by user id.
// The lifecycle job needs inactive and expired-but-unprocessed rows too.
func (s *SubscriptionService) ListAll() []subDomain.UserSubscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]subDomain.UserSubscription, 0, len(s.subscriptions))
	for _, record := range s.subscriptions {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// persistLocked writes the full set to the store. Callers hold s.mu.
func (s *SubscriptionService) persistLocked() error {
	if err := s.store.Save(s.subscriptions); err != nil {
		s.logger.Error("failed to persist subscription store", zap.Error(err))
		return fmt.Errorf("failed to persist subscriptions: %w", err)
	}
	return nil
}
