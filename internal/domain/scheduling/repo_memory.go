package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinicsched/clinicsched/pkg/localtime"
)

// MemoryStore keeps schedules and appointments in process memory. It backs
// STORE_DRIVER=memory and the package tests.
type MemoryStore struct {
	mu           sync.RWMutex
	schedules    map[string]*ProviderSchedule
	appointments map[uuid.UUID]*Appointment
	history      map[uuid.UUID][]*HistoryEntry

	txMu sync.Mutex
	txs  map[string]*sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		schedules:    make(map[string]*ProviderSchedule),
		appointments: make(map[uuid.UUID]*Appointment),
		history:      make(map[uuid.UUID][]*HistoryEntry),
		txs:          make(map[string]*sync.Mutex),
	}
}

func (m *MemoryStore) GetSchedule(_ context.Context, providerID string) (*ProviderSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[providerID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) PutWindow(_ context.Context, providerID string, weekday time.Weekday, w DayWindow, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[providerID]
	if !ok {
		s = NewProviderSchedule(providerID)
		m.schedules[providerID] = s
	}
	s.Windows[weekday] = w
	now := time.Now().UTC()
	s.UpdatedAt = &now
	return nil
}

func (m *MemoryStore) providerMutex(providerID string) *sync.Mutex {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	mu, ok := m.txs[providerID]
	if !ok {
		mu = &sync.Mutex{}
		m.txs[providerID] = mu
	}
	return mu
}

func (m *MemoryStore) InProviderTx(ctx context.Context, providerID string, fn func(ctx context.Context) error) error {
	mu := m.providerMutex(providerID)
	mu.Lock()
	defer mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

func (m *MemoryStore) Create(ctx context.Context, a *Appointment, initial *HistoryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.Status.Reserving() {
		for _, other := range m.appointments {
			if other.ProviderID == a.ProviderID && other.Status.Reserving() && Overlaps(a.Interval(), other.Interval()) {
				return &SlotConflictError{Requested: a.Interval()}
			}
		}
	}
	cp := *a
	m.appointments[a.ID] = &cp
	h := *initial
	m.history[a.ID] = []*HistoryEntry{&h}
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, &NotFoundError{Resource: "appointment", ID: id.String()}
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListOverlapping(_ context.Context, providerID string, from, to localtime.Instant) ([]*Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Appointment
	for _, a := range m.appointments {
		if a.ProviderID == providerID && a.Start < to && a.End() > from {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, a *Appointment, previous Status, entry *HistoryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.appointments[a.ID]
	if !ok {
		return &NotFoundError{Resource: "appointment", ID: a.ID.String()}
	}
	if stored.Status != previous {
		return ErrStaleStatus
	}
	cp := *a
	m.appointments[a.ID] = &cp
	h := *entry
	m.history[a.ID] = append(m.history[a.ID], &h)
	return nil
}

func (m *MemoryStore) History(_ context.Context, appointmentID uuid.UUID) ([]*HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries, ok := m.history[appointmentID]
	if !ok {
		return nil, &NotFoundError{Resource: "appointment", ID: appointmentID.String()}
	}
	out := make([]*HistoryEntry, len(entries))
	for i, h := range entries {
		cp := *h
		out[i] = &cp
	}
	return out, nil
}
