package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/cab-dispatch/internal/models"
)

// Store persists cabs and trips. Reserve, FinishTrip and StartTrip are each
// a single atomic step: the availability or status check and the write
// cannot interleave with another caller's.
type Store interface {
	InsertCab(ctx context.Context, c models.Cab) error
	GetCab(ctx context.Context, id string) (models.Cab, error)
	ListCabs(ctx context.Context, filter models.AvailabilityFilter) ([]models.Cab, error)
	UpdatePosition(ctx context.Context, cabID string, p models.Position, at time.Time) (models.Cab, error)

	// Reserve books the cab named by t.CabID if it is available and stores t
	// with CabStart set to the cab's position.
	Reserve(ctx context.Context, t models.Trip) (models.Trip, models.Cab, error)
	// FinishTrip moves a trip in one of the from statuses to the terminal
	// status to and releases its cab, optionally relocating it.
	FinishTrip(ctx context.Context, tripID string, from []models.TripStatus, to models.TripStatus, final *models.Position, at time.Time) (models.Trip, models.Cab, error)
	// StartTrip moves a booked trip to in-progress. ok is false when the trip
	// was no longer booked.
	StartTrip(ctx context.Context, tripID string, at time.Time) (t models.Trip, ok bool, err error)

	GetTrip(ctx context.Context, id string) (models.Trip, error)
	ActiveTripForRider(ctx context.Context, riderID string) (models.Trip, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	cabs  map[string]models.Cab
	trips map[string]models.Trip
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cabs: make(map[string]models.Cab), trips: make(map[string]models.Trip)}
}

func (m *MemoryStore) InsertCab(_ context.Context, c models.Cab) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cabs[c.ID] = c
	return nil
}

func (m *MemoryStore) GetCab(_ context.Context, id string) (models.Cab, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cabs[id]
	if !ok {
		return models.Cab{}, ErrCabNotFound
	}
	return c, nil
}

func (m *MemoryStore) ListCabs(_ context.Context, filter models.AvailabilityFilter) ([]models.Cab, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Cab, 0, len(m.cabs))
	for _, c := range m.cabs {
		if filter.Matches(c.Availability) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpdatePosition(_ context.Context, cabID string, p models.Position, at time.Time) (models.Cab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cabs[cabID]
	if !ok {
		return models.Cab{}, ErrCabNotFound
	}
	c.Position = p
	c.Version++
	c.UpdatedAt = at
	m.cabs[cabID] = c
	return c, nil
}

func (m *MemoryStore) Reserve(_ context.Context, t models.Trip) (models.Trip, models.Cab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cabs[t.CabID]
	if !ok {
		return models.Trip{}, models.Cab{}, ErrCabNotFound
	}
	if c.Availability != models.Available {
		return models.Trip{}, models.Cab{}, ErrCabUnavailable
	}
	t.CabStart = c.Position
	c.Availability = models.Booked
	c.ActiveTripID = t.ID
	c.Version++
	c.UpdatedAt = t.CreatedAt
	m.cabs[c.ID] = c
	m.trips[t.ID] = t
	return t, c, nil
}

func (m *MemoryStore) FinishTrip(_ context.Context, tripID string, from []models.TripStatus, to models.TripStatus, final *models.Position, at time.Time) (models.Trip, models.Cab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return models.Trip{}, models.Cab{}, ErrTripNotFound
	}
	if !statusIn(t.Status, from) {
		return t, models.Cab{}, errWrongState
	}
	t.Status = to
	t.EndedAt = &at
	m.trips[tripID] = t

	c, ok := m.cabs[t.CabID]
	if !ok {
		return t, models.Cab{}, nil
	}
	if c.ActiveTripID == tripID {
		c.Availability = models.Available
		c.ActiveTripID = ""
	}
	if final != nil {
		c.Position = *final
	}
	c.Version++
	c.UpdatedAt = at
	m.cabs[c.ID] = c
	return t, c, nil
}

func (m *MemoryStore) StartTrip(_ context.Context, tripID string, at time.Time) (models.Trip, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return models.Trip{}, false, ErrTripNotFound
	}
	if t.Status != models.TripBooked {
		return t, false, nil
	}
	t.Status = models.TripInProgress
	t.StartedAt = &at
	m.trips[tripID] = t
	return t, true, nil
}

func (m *MemoryStore) GetTrip(_ context.Context, id string) (models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return models.Trip{}, ErrTripNotFound
	}
	return t, nil
}

func (m *MemoryStore) ActiveTripForRider(_ context.Context, riderID string) (models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		found models.Trip
		ok    bool
	)
	for _, t := range m.trips {
		if t.RiderID != riderID || !t.Status.Active() {
			continue
		}
		if !ok || t.CreatedAt.After(found.CreatedAt) {
			found, ok = t, true
		}
	}
	if !ok {
		return models.Trip{}, ErrTripNotFound
	}
	return found, nil
}

func statusIn(s models.TripStatus, set []models.TripStatus) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}
