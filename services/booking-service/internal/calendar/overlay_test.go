package calendar

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/consulere/booking/services/booking-service/internal/availability"
	"github.com/consulere/booking/services/booking-service/internal/model"
	"github.com/consulere/booking/services/booking-service/internal/storage"
)

type fakeIntegrationStore struct {
	integ      storage.CalendarIntegration
	getErr     error
	getCalls   int
	lastStatus string
	lastSynced *time.Time
}

func (s *fakeIntegrationStore) Get(_ context.Context, _ string) (storage.CalendarIntegration, error) {
	s.getCalls++
	if s.getErr != nil {
		return storage.CalendarIntegration{}, s.getErr
	}
	return s.integ, nil
}

func (s *fakeIntegrationStore) SetSyncStatus(_ context.Context, _ string, status string, syncedAt *time.Time) error {
	s.lastStatus = status
	s.lastSynced = syncedAt
	return nil
}

type fakeProvider struct {
	busy  []availability.Interval
	err   error
	calls int
}

func (p *fakeProvider) FetchBusy(_ context.Context, _ Integration, _, _ time.Time) ([]availability.Interval, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.busy, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOverlayDisabledWithoutProvider(t *testing.T) {
	store := &fakeIntegrationStore{}
	o := NewOverlay(store, nil, nil, 0, testLogger())

	busy, degraded, err := o.Busy(context.Background(), "expert-1", time.Now(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Busy failed: %v", err)
	}
	if degraded {
		t.Fatal("disabled overlay should not report degraded")
	}
	if len(busy) != 0 {
		t.Fatalf("expected no intervals, got %d", len(busy))
	}
	if store.getCalls != 0 {
		t.Fatalf("store should not be queried when disabled, got %d calls", store.getCalls)
	}
}

func TestOverlayNoIntegration(t *testing.T) {
	store := &fakeIntegrationStore{getErr: model.ErrNotFound}
	provider := &fakeProvider{}
	o := NewOverlay(store, provider, nil, 0, testLogger())

	busy, degraded, err := o.Busy(context.Background(), "expert-1", time.Now(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Busy failed: %v", err)
	}
	if degraded {
		t.Fatal("missing integration is accurate, not degraded")
	}
	if len(busy) != 0 {
		t.Fatalf("expected no intervals, got %d", len(busy))
	}
	if provider.calls != 0 {
		t.Fatalf("provider should not be called without an integration, got %d calls", provider.calls)
	}
}

func TestOverlayFetchSuccess(t *testing.T) {
	from := time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC)
	to := from.Add(8 * time.Hour)
	store := &fakeIntegrationStore{
		integ: storage.CalendarIntegration{ExpertID: "expert-1", Provider: "google"},
	}
	provider := &fakeProvider{busy: []availability.Interval{
		// Wider than the request; the overlay must clip.
		{Start: from.Add(-time.Hour), End: from.Add(time.Hour)},
		{Start: from.Add(3 * time.Hour), End: from.Add(4 * time.Hour)},
	}}
	o := NewOverlay(store, provider, nil, 0, testLogger())

	busy, degraded, err := o.Busy(context.Background(), "expert-1", from, to)
	if err != nil {
		t.Fatalf("Busy failed: %v", err)
	}
	if degraded {
		t.Fatal("successful fetch should not be degraded")
	}
	if len(busy) != 2 {
		t.Fatalf("expected 2 intervals, got %d", len(busy))
	}
	if !busy[0].Start.Equal(from) || !busy[0].End.Equal(from.Add(time.Hour)) {
		t.Fatalf("first interval not clipped to range: %v", busy[0])
	}
	if store.lastStatus != storage.CalendarSyncActive {
		t.Fatalf("expected sync status %q, got %q", storage.CalendarSyncActive, store.lastStatus)
	}
	if store.lastSynced == nil {
		t.Fatal("expected last_synced_at to be recorded")
	}
}

func TestOverlayFetchFailureDegrades(t *testing.T) {
	store := &fakeIntegrationStore{
		integ: storage.CalendarIntegration{ExpertID: "expert-1", Provider: "google"},
	}
	provider := &fakeProvider{err: errors.New("upstream down")}
	o := NewOverlay(store, provider, nil, 0, testLogger())

	busy, degraded, err := o.Busy(context.Background(), "expert-1", time.Now().UTC(), time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("Busy must not fail the request: %v", err)
	}
	if !degraded {
		t.Fatal("failed fetch should report degraded")
	}
	if len(busy) != 0 {
		t.Fatalf("expected no intervals, got %d", len(busy))
	}
	if store.lastStatus != storage.CalendarSyncDegraded {
		t.Fatalf("expected sync status %q, got %q", storage.CalendarSyncDegraded, store.lastStatus)
	}
}

func TestOverlayStoreErrorDegrades(t *testing.T) {
	store := &fakeIntegrationStore{getErr: errors.New("db down")}
	provider := &fakeProvider{}
	o := NewOverlay(store, provider, nil, 0, testLogger())

	busy, degraded, err := o.Busy(context.Background(), "expert-1", time.Now(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Busy must not fail the request: %v", err)
	}
	if !degraded {
		t.Fatal("store failure should report degraded")
	}
	if len(busy) != 0 {
		t.Fatalf("expected no intervals, got %d", len(busy))
	}
}

func TestBusyPayloadCovers(t *testing.T) {
	base := time.Date(2026, 4, 6, 0, 0, 0, 0, time.UTC)
	p := busyPayload{From: base, To: base.Add(24 * time.Hour)}

	if !p.covers(base, base.Add(24*time.Hour)) {
		t.Fatal("payload should cover its own range")
	}
	if !p.covers(base.Add(time.Hour), base.Add(2*time.Hour)) {
		t.Fatal("payload should cover an inner range")
	}
	if p.covers(base.Add(-time.Minute), base.Add(time.Hour)) {
		t.Fatal("payload should not cover a range starting earlier")
	}
	if p.covers(base, base.Add(25*time.Hour)) {
		t.Fatal("payload should not cover a range ending later")
	}
	if (busyPayload{}).covers(base, base.Add(time.Hour)) {
		t.Fatal("zero payload covers nothing")
	}
}
