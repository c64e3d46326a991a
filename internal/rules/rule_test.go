package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-telecom/kestrel/internal/domain"
)

// fakeStore is an in-memory ActivityStore for rule tests. Records are
// returned newest-first per window, matching the store contract.
type fakeStore struct {
	byWindow map[domain.Window][]domain.ActivityRecord
	err      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byWindow: make(map[domain.Window][]domain.ActivityRecord),
	}
}

func (s *fakeStore) GetRecentActivity(ctx context.Context, subscriberID string, window domain.Window) ([]domain.ActivityRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.byWindow[window], nil
}

func (s *fakeStore) SaveActivity(ctx context.Context, records []domain.ActivityRecord) error {
	return nil
}

func (s *fakeStore) ListSubscribers(ctx context.Context, window domain.Window) ([]string, error) {
	return nil, nil
}

func (s *fakeStore) SaveCustomRule(ctx context.Context, rule *domain.CustomRuleConfig) error {
	return nil
}

func (s *fakeStore) GetCustomRule(ctx context.Context, ruleID string) (*domain.CustomRuleConfig, error) {
	return nil, nil
}

func (s *fakeStore) ListCustomRules(ctx context.Context) ([]*domain.CustomRuleConfig, error) {
	return nil, nil
}

func (s *fakeStore) DeleteCustomRule(ctx context.Context, ruleID string) error {
	return nil
}

func (s *fakeStore) Ping(ctx context.Context) error { return nil }

func (s *fakeStore) Close() error { return nil }

// callsAt builds n plain call records spread one second apart ending at t,
// newest first.
func callsAt(t time.Time, n int) []domain.ActivityRecord {
	records := make([]domain.ActivityRecord, n)
	for i := 0; i < n; i++ {
		start := t.Add(-time.Duration(i) * time.Second)
		records[i] = domain.ActivityRecord{
			ID:           fmt.Sprintf("rec-%d", i),
			SubscriberID: "+15551234567",
			StartTime:    start,
			EndTime:      start.Add(30 * time.Second),
			Duration:     30,
			Currency:     "USD",
		}
	}
	return records
}

// locatedCall builds a geotagged record at the given coordinates and time.
func locatedCall(id string, t time.Time, lat, lon float64) domain.ActivityRecord {
	return domain.ActivityRecord{
		ID:           id,
		SubscriberID: "+15551234567",
		StartTime:    t,
		EndTime:      t.Add(time.Minute),
		Duration:     60,
		Currency:     "USD",
		Latitude:     &lat,
		Longitude:    &lon,
	}
}

// towerCall builds a record observed at the given cell tower and time.
func towerCall(id, tower string, t time.Time) domain.ActivityRecord {
	return domain.ActivityRecord{
		ID:           id,
		SubscriberID: "+15551234567",
		StartTime:    t,
		EndTime:      t.Add(time.Minute),
		Duration:     60,
		Currency:     "USD",
		CellTower:    tower,
	}
}
