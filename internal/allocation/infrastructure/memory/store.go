package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dmehra2102/lot-allocation/internal/allocation/application"
	"github.com/dmehra2102/lot-allocation/internal/allocation/domain"
)

var errReadOnly = errors.New("write in read-only transaction")

// Store keeps lots and reservations in process memory. Row locks behave like
// SELECT ... FOR UPDATE: exclusive per row, held until the transaction ends,
// waited on with the transaction's lock timeout or skipped on request.
type Store struct {
	mu           sync.Mutex
	lots         map[string]domain.Lot
	reservations map[string]domain.Reservation
	events       []domain.Event
	locks        map[string]*rowLock
}

// rowLock is a cap-1 channel used as a mutex. refs counts the holder and
// waiters; the entry is dropped when it reaches zero.
type rowLock struct {
	ch   chan struct{}
	refs int
}

var _ application.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		lots:         make(map[string]domain.Lot),
		reservations: make(map[string]domain.Reservation),
		locks:        make(map[string]*rowLock),
	}
}

// AddLot registers a received lot.
func (s *Store) AddLot(l domain.Lot) error {
	if err := l.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lots[l.ID]; ok {
		return fmt.Errorf("%w: lot %s already exists", domain.ErrInvalidArgument, l.ID)
	}
	s.lots[l.ID] = l
	return nil
}

func (s *Store) Lot(id string) (domain.Lot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lots[id]
	return l, ok
}

func (s *Store) Reservations() []domain.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Reservation, 0, len(s.reservations))
	for _, r := range s.reservations {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b domain.Reservation) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Events returns every event committed so far, in commit order.
func (s *Store) Events() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

func (s *Store) GetReservation(_ context.Context, id string) (domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return domain.Reservation{}, fmt.Errorf("%w: reservation %s", domain.ErrNotFound, id)
	}
	return r, nil
}

func (s *Store) WithinTx(ctx context.Context, opts application.TxOptions, fn func(ctx context.Context, tx application.Tx) error) error {
	t := &tx{
		s:        s,
		opts:     opts,
		held:     make(map[string]chan struct{}),
		lots:     make(map[string]domain.Lot),
		reserved: make(map[string]domain.Reservation),
	}
	defer t.release()

	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, l := range t.lots {
		s.lots[id] = l
	}
	for id, r := range t.reserved {
		s.reservations[id] = r
	}
	s.events = append(s.events, t.events...)
	return nil
}

func (s *Store) ref(key string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &rowLock{ch: make(chan struct{}, 1)}
		s.locks[key] = l
	}
	l.refs++
	return l.ch
}

func (s *Store) unref(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		return
	}
	if l.refs--; l.refs == 0 {
		delete(s.locks, key)
	}
}

type tx struct {
	s        *Store
	opts     application.TxOptions
	held     map[string]chan struct{}
	lots     map[string]domain.Lot
	reserved map[string]domain.Reservation
	events   []domain.Event
}

func lotKey(id string) string         { return "lot:" + id }
func reservationKey(id string) string { return "reservation:" + id }

func (t *tx) acquire(ctx context.Context, key string, wait bool) (bool, error) {
	if _, ok := t.held[key]; ok {
		return true, nil
	}
	ch := t.s.ref(key)
	if !wait {
		select {
		case ch <- struct{}{}:
			t.held[key] = ch
			return true, nil
		default:
			t.s.unref(key)
			return false, nil
		}
	}

	var timeout <-chan time.Time
	if t.opts.LockTimeout > 0 {
		timer := time.NewTimer(t.opts.LockTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case ch <- struct{}{}:
		t.held[key] = ch
		return true, nil
	case <-timeout:
		t.s.unref(key)
		return false, fmt.Errorf("%w: %s not locked within %s", domain.ErrConcurrencyTimeout, key, t.opts.LockTimeout)
	case <-ctx.Done():
		t.s.unref(key)
		return false, ctx.Err()
	}
}

func (t *tx) release() {
	for key, ch := range t.held {
		<-ch
		t.s.unref(key)
	}
	t.held = nil
}

func (t *tx) lot(id string) (domain.Lot, bool) {
	if l, ok := t.lots[id]; ok {
		return l, true
	}
	return t.s.Lot(id)
}

func (t *tx) FindCandidates(ctx context.Context, q domain.CandidateQuery) ([]domain.Lot, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	t.s.mu.Lock()
	var matched []domain.Lot
	for id, l := range t.s.lots {
		if staged, ok := t.lots[id]; ok {
			l = staged
		}
		if q.Matches(l) {
			matched = append(matched, l)
		}
	}
	t.s.mu.Unlock()
	domain.SortCandidates(matched, q.Policy)

	if q.LockMode == domain.LockNone {
		return matched, nil
	}

	out := make([]domain.Lot, 0, len(matched))
	for _, l := range matched {
		ok, err := t.acquire(ctx, lotKey(l.ID), q.LockMode == domain.LockForUpdate)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		// Another transaction may have committed while we waited.
		fresh, _ := t.lot(l.ID)
		if q.Matches(fresh) {
			out = append(out, fresh)
		}
	}
	return out, nil
}

func (t *tx) LockLot(ctx context.Context, lotID string) (domain.Lot, error) {
	if _, err := t.acquire(ctx, lotKey(lotID), true); err != nil {
		return domain.Lot{}, err
	}
	l, ok := t.lot(lotID)
	if !ok {
		return domain.Lot{}, fmt.Errorf("%w: lot %s", domain.ErrNotFound, lotID)
	}
	return l, nil
}

func (t *tx) AdjustAvailable(_ context.Context, lotID string, delta decimal.Decimal) (domain.Lot, error) {
	if t.opts.ReadOnly {
		return domain.Lot{}, errReadOnly
	}
	if _, ok := t.held[lotKey(lotID)]; !ok {
		return domain.Lot{}, fmt.Errorf("lot %s adjusted without holding its lock", lotID)
	}
	l, ok := t.lot(lotID)
	if !ok {
		return domain.Lot{}, fmt.Errorf("%w: lot %s", domain.ErrNotFound, lotID)
	}
	next, err := l.Adjust(delta)
	if err != nil {
		return domain.Lot{}, err
	}
	t.lots[lotID] = next
	return next, nil
}

func (t *tx) InsertReservation(ctx context.Context, r domain.Reservation) error {
	if t.opts.ReadOnly {
		return errReadOnly
	}
	if _, err := t.s.GetReservation(ctx, r.ID); err == nil {
		return fmt.Errorf("reservation %s already exists", r.ID)
	}
	if _, err := t.acquire(ctx, reservationKey(r.ID), false); err != nil {
		return err
	}
	t.reserved[r.ID] = r
	return nil
}

func (t *tx) LockReservation(ctx context.Context, id string) (domain.Reservation, error) {
	if _, err := t.acquire(ctx, reservationKey(id), true); err != nil {
		return domain.Reservation{}, err
	}
	if r, ok := t.reserved[id]; ok {
		return r, nil
	}
	return t.s.GetReservation(ctx, id)
}

func (t *tx) UpdateReservation(_ context.Context, r domain.Reservation) error {
	if t.opts.ReadOnly {
		return errReadOnly
	}
	if _, ok := t.held[reservationKey(r.ID)]; !ok {
		return fmt.Errorf("reservation %s updated without holding its lock", r.ID)
	}
	t.reserved[r.ID] = r
	return nil
}

func (t *tx) AppendEvent(_ context.Context, ev domain.Event) error {
	if t.opts.ReadOnly {
		return errReadOnly
	}
	t.events = append(t.events, ev)
	return nil
}

// Catalog is a fixed set of known products and warehouses.
type Catalog struct {
	products   map[string]struct{}
	warehouses map[string]struct{}
}

var _ application.Catalog = (*Catalog)(nil)

func NewCatalog(products, warehouses []string) *Catalog {
	c := &Catalog{products: map[string]struct{}{}, warehouses: map[string]struct{}{}}
	for _, p := range products {
		c.products[p] = struct{}{}
	}
	for _, w := range warehouses {
		c.warehouses[w] = struct{}{}
	}
	return c
}

func (c *Catalog) ProductExists(_ context.Context, id string) (bool, error) {
	_, ok := c.products[id]
	return ok, nil
}

func (c *Catalog) WarehouseExists(_ context.Context, id string) (bool, error) {
	_, ok := c.warehouses[id]
	return ok, nil
}
