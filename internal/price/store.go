package price

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"snagit/internal/actor"
	"snagit/internal/metrics"
)

// DefaultConcurrency bounds RefreshAll when no limit is configured.
const DefaultConcurrency = 8

var (
	ErrStoreClosed   = actor.ErrClosed
	ErrDuplicateItem = errors.New("tracked item already exists")
)

// Store owns the tracked-item list. Like the message store, all state is
// touched only on its actor loop and the price API is called outside it.
//
// Snapshots share TargetPrice and LastPrice pointers with the store; the
// pointees are never mutated, only replaced.
type Store struct {
	api         API
	log         *slog.Logger
	metrics     *metrics.Metrics
	concurrency int

	loop *actor.Loop

	// Owned by loop.
	items    []TrackedItem
	inflight map[uuid.UUID]int

	obsMu     sync.Mutex
	observers map[int]func()
	nextObs   int
}

type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithConcurrency caps how many refreshes RefreshAll runs at once.
// n <= 0 removes the cap.
func WithConcurrency(n int) Option {
	return func(s *Store) { s.concurrency = n }
}

// WithItems seeds the store, first item first.
func WithItems(items []TrackedItem) Option {
	return func(s *Store) { s.items = slices.Clone(items) }
}

func NewStore(api API, opts ...Option) *Store {
	s := &Store{
		api:         api,
		log:         slog.Default(),
		concurrency: DefaultConcurrency,
		loop:        actor.New(),
		inflight:    make(map[uuid.UUID]int),
		observers:   make(map[int]func()),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "price_store")
	s.metrics.Items(len(s.items))
	return s
}

func (s *Store) Run(ctx context.Context) {
	s.loop.Run(ctx)
}

// Observe registers fn to be called after every state change. The returned
// function unregisters it.
func (s *Store) Observe(fn func()) (cancel func()) {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *Store) notify() {
	s.obsMu.Lock()
	fns := make([]func(), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Add inserts item at the front of the list. A zero ID is assigned a new one.
func (s *Store) Add(ctx context.Context, item TrackedItem) (TrackedItem, error) {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	item.IsUpdating = false

	var dup bool
	var count int
	err := s.loop.Do(ctx, func() {
		if s.index(item.ID) >= 0 {
			dup = true
			return
		}
		s.items = slices.Insert(s.items, 0, item)
		count = len(s.items)
	})
	if err != nil {
		return TrackedItem{}, err
	}
	if dup {
		return TrackedItem{}, ErrDuplicateItem
	}

	s.metrics.Items(count)
	s.notify()
	return item, nil
}

func (s *Store) Snapshot(ctx context.Context) ([]TrackedItem, error) {
	var out []TrackedItem
	err := s.loop.Do(ctx, func() { out = slices.Clone(s.items) })
	return out, err
}

func (s *Store) Item(ctx context.Context, id uuid.UUID) (TrackedItem, bool, error) {
	var item TrackedItem
	var ok bool
	err := s.loop.Do(ctx, func() {
		if i := s.index(id); i >= 0 {
			item, ok = s.items[i], true
		}
	})
	return item, ok, err
}

// Refresh fetches a new price for one item. Unknown IDs are ignored.
//
// Price API failures are not returned: the item simply stops updating and
// keeps its previous price. The only errors are a closed store or a ctx
// that ended before the refresh started.
func (s *Store) Refresh(ctx context.Context, id uuid.UUID) error {
	var source Source
	var found bool
	err := s.loop.Do(ctx, func() {
		i := s.index(id)
		if i < 0 {
			return
		}
		found = true
		source = s.items[i].Source
		s.inflight[id]++
		s.items[i].IsUpdating = true
	})
	if err != nil || !found {
		return err
	}
	s.notify()

	start := time.Now()
	point, fetchErr := s.api.FetchPrice(ctx, source)
	s.metrics.Refresh(time.Since(start).Seconds(), fetchErr)
	if fetchErr != nil {
		s.log.Info("refresh failed", "item_id", id, "err", fetchErr)
	}

	// The completion must land even if ctx was cancelled mid-fetch,
	// otherwise the item would be left updating forever.
	err = s.loop.Do(context.WithoutCancel(ctx), func() {
		s.inflight[id]--
		pending := s.inflight[id]
		if pending <= 0 {
			delete(s.inflight, id)
		}
		i := s.index(id)
		if i < 0 {
			return
		}
		if fetchErr == nil {
			last := s.items[i].LastPrice
			if last == nil || !point.At.Before(last.At) {
				p := point
				s.items[i].LastPrice = &p
			}
		}
		s.items[i].IsUpdating = pending > 0
	})
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

// RefreshAll refreshes every item present at call time and returns once all
// of them have finished. One item's failure never affects another.
func (s *Store) RefreshAll(ctx context.Context) error {
	var ids []uuid.UUID
	err := s.loop.Do(ctx, func() {
		ids = make([]uuid.UUID, len(s.items))
		for i, item := range s.items {
			ids[i] = item.ID
		}
	})
	if err != nil {
		return err
	}

	var g errgroup.Group
	if s.concurrency > 0 {
		g.SetLimit(s.concurrency)
	}
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := s.Refresh(ctx, id); err != nil {
				s.log.Debug("refresh skipped", "item_id", id, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	s.log.Debug("refresh all finished", "items", len(ids))
	return ctx.Err()
}

func (s *Store) index(id uuid.UUID) int {
	return slices.IndexFunc(s.items, func(item TrackedItem) bool { return item.ID == id })
}
