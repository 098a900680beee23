package transport

import "sync"

// FractionMeter is a concrete ProgressSource fed by a producer calling
// Update. Fractions are clamped to [0,1] and never decrease; stale or
// out-of-range updates are dropped rather than propagated.
type FractionMeter struct {
	mu       sync.Mutex
	fraction float64
	subs     map[int]func(float64)
	nextID   int
}

// NewFractionMeter creates an empty meter at fraction zero.
func NewFractionMeter() *FractionMeter {
	return &FractionMeter{subs: make(map[int]func(float64))}
}

// Update advances the meter to the given fraction and notifies subscribers.
// Updates below the current fraction are ignored.
func (m *FractionMeter) Update(fraction float64) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}

	m.mu.Lock()
	if fraction < m.fraction {
		m.mu.Unlock()
		return
	}
	m.fraction = fraction
	observers := make([]func(float64), 0, len(m.subs))
	for _, fn := range m.subs {
		observers = append(observers, fn)
	}
	m.mu.Unlock()

	for _, fn := range observers {
		fn(fraction)
	}
}

// Fraction returns the current fraction complete.
func (m *FractionMeter) Fraction() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fraction
}

// Subscribe registers an observer and immediately delivers the current
// fraction if any progress has been made.
func (m *FractionMeter) Subscribe(fn func(fraction float64)) Subscription {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	current := m.fraction
	m.mu.Unlock()

	if current > 0 {
		fn(current)
	}

	return &meterSubscription{meter: m, id: id}
}

type meterSubscription struct {
	meter *FractionMeter
	id    int
	once  sync.Once
}

// Unsubscribe detaches the observer. Safe to call more than once.
func (s *meterSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.meter.mu.Lock()
		delete(s.meter.subs, s.id)
		s.meter.mu.Unlock()
	})
}
