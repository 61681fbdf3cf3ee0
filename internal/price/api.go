package price

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
)

// API fetches the current price for a source.
type API interface {
	FetchPrice(ctx context.Context, source Source) (PricePoint, error)
}

type ErrorKind string

const (
	KindOffline     ErrorKind = "offline"
	KindRateLimited ErrorKind = "rate_limited"
	KindServer      ErrorKind = "server"
	KindInvalidItem ErrorKind = "invalid_item"
)

// Error is the failure taxonomy of the price API.
type Error struct {
	Kind   ErrorKind
	Reason string // only set for KindServer
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("price api: %s: %s", e.Kind, e.Reason)
	}
	return "price api: " + string(e.Kind)
}

// Is matches on Kind, so errors.Is(err, ErrOffline) works for any offline error.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

var (
	ErrOffline     = &Error{Kind: KindOffline}
	ErrRateLimited = &Error{Kind: KindRateLimited}
	ErrInvalidItem = &Error{Kind: KindInvalidItem}
)

func ServerError(reason string) *Error {
	return &Error{Kind: KindServer, Reason: reason}
}

// MockAPI simulates a price backend: about one call in thirty is offline,
// another one in thirty is rate limited, and prices drift around a base
// derived from the source.
type MockAPI struct {
	Latency time.Duration
	// FailureOdds is the "1 in N" chance of each failure kind; 0 disables failures.
	FailureOdds int
}

func NewMockAPI() *MockAPI {
	return &MockAPI{Latency: 250 * time.Millisecond, FailureOdds: 30}
}

func (m *MockAPI) FetchPrice(ctx context.Context, source Source) (PricePoint, error) {
	if err := source.Validate(); err != nil {
		return PricePoint{}, ErrInvalidItem
	}
	timer := time.NewTimer(m.Latency)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return PricePoint{}, ErrOffline
	}

	if m.FailureOdds > 0 {
		switch rand.Intn(m.FailureOdds) {
		case 0:
			return PricePoint{}, ErrOffline
		case 1:
			return PricePoint{}, ErrRateLimited
		}
	}

	drift := decimal.NewFromInt(int64(rand.Intn(17) - 8))
	value := decimal.Max(decimal.NewFromInt(1), basePrice(source).Add(drift))
	return PricePoint{Value: value, Currency: EUR, At: time.Now().UTC()}, nil
}

func basePrice(source Source) decimal.Decimal {
	h := fnv.New32a()
	h.Write([]byte(source.Value))
	return decimal.NewFromInt(int64(60 + h.Sum32()%80))
}
