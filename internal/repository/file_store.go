package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	subDomain "github.com/elementum-club/service-subscription/internal/domain/subscription"
	"go.uber.org/zap"
)

// storedSubscription is the on-disk representation of a subscription record.
// Dates are RFC 3339 strings; every flag defaults to false when absent so
// files written by older versions still load.
type storedSubscription struct {
	UserID                  int64  `json:"userId"`
	PlanID                  string `json:"planId"`
	StartDate               string `json:"startDate"`
	EndDate                 string `json:"endDate"`
	IsActive                bool   `json:"isActive"`
	PaymentID               string `json:"paymentId,omitempty"`
	Reminder3DaysSent       bool   `json:"reminder3DaysSent"`
	Reminder12HoursSent     bool   `json:"reminder12HoursSent"`
	ExpiryDayNoticeSent     bool   `json:"expiryDayNoticeSent"`
	ExpiredMessageSent      bool   `json:"expiredMessageSent"`
	RemovedFromPrivateGroup bool   `json:"removedFromPrivateGroup"`
	ExpiredProcessed        bool   `json:"expiredProcessed"`
}

// storedData is the top-level file schema.
type storedData struct {
	Subscriptions []storedSubscription `json:"subscriptions"`
}

// FileStore persists the full subscription set as a single JSON document.
// It performs no business logic.
type FileStore struct {
	path   string
	logger *zap.Logger
}

// NewFileStore creates a file-backed store at path, creating the parent
// directory if needed.
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{path: path, logger: logger}, nil
}

// Load reads the full subscription set. A missing, empty or corrupt file
// yields an empty set: startup must never fail on bad persisted state.
func (s *FileStore) Load() (map[int64]subDomain.UserSubscription, error) {
	subscriptions := make(map[int64]subDomain.UserSubscription)

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return subscriptions, nil
		}
		return nil, fmt.Errorf("failed to read subscription store: %w", err)
	}
	if len(raw) == 0 {
		return subscriptions, nil
	}

	var data storedData
	if err := json.Unmarshal(raw, &data); err != nil {
		s.logger.Error("subscription store is corrupt, starting with empty state",
			zap.String("path", s.path),
			zap.Error(err),
		)
		return subscriptions, nil
	}

	for _, item := range data.Subscriptions {
		record, err := toRecord(item)
		if err != nil {
			s.logger.Error("skipping unparseable subscription record",
				zap.Int64("user_id", item.UserID),
				zap.Error(err),
			)
			continue
		}
		subscriptions[record.UserID] = record
	}

	return subscriptions, nil
}

// Save writes the full subscription set, replacing the previous contents.
// The document is written to a temp file in the same directory and renamed
// over the live file so a crash mid-write cannot truncate existing data.
func (s *FileStore) Save(subscriptions map[int64]subDomain.UserSubscription) error {
	data := storedData{Subscriptions: make([]storedSubscription, 0, len(subscriptions))}
	for _, record := range subscriptions {
		data.Subscriptions = append(data.Subscriptions, toStored(record))
	}
	// Stable order keeps the file diffable and save(load()) a fixed point.
	sort.Slice(data.Subscriptions, func(i, j int) bool {
		return data.Subscriptions[i].UserID < data.Subscriptions[j].UserID
	})

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal subscription store: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp store file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace subscription store: %w", err)
	}
	return nil
}

// toRecord maps a stored row to the domain record.
func toRecord(item storedSubscription) (subDomain.UserSubscription, error) {
	startDate, err := time.Parse(time.RFC3339, item.StartDate)
	if err != nil {
		return subDomain.UserSubscription{}, fmt.Errorf("invalid startDate %q: %w", item.StartDate, err)
	}
	endDate, err := time.Parse(time.RFC3339, item.EndDate)
	if err != nil {
		return subDomain.UserSubscription{}, fmt.Errorf("invalid endDate %q: %w", item.EndDate, err)
	}

	return subDomain.UserSubscription{
		UserID:                  item.UserID,
		PlanID:                  item.PlanID,
		StartDate:               startDate,
		EndDate:                 endDate,
		IsActive:                item.IsActive,
		PaymentID:               item.PaymentID,
		Reminder3DaysSent:       item.Reminder3DaysSent,
		Reminder12HoursSent:     item.Reminder12HoursSent,
		ExpiryDayNoticeSent:     item.ExpiryDayNoticeSent,
		ExpiredMessageSent:      item.ExpiredMessageSent,
		RemovedFromPrivateGroup: item.RemovedFromPrivateGroup,
		ExpiredProcessed:        item.ExpiredProcessed,
	}, nil
}

// toStored maps a domain record to its on-disk row.
func toStored(record subDomain.UserSubscription) storedSubscription {
	return storedSubscription{
		UserID:                  record.UserID,
		PlanID:                  record.PlanID,
		StartDate:               record.StartDate.UTC().Format(time.RFC3339),
		EndDate:                 record.EndDate.UTC().Format(time.RFC3339),
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
