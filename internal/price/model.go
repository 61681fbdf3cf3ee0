package price

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type SourceKind string

const (
	SourceURL   SourceKind = "url"
	SourceQuery SourceKind = "query"
)

// Source says where a price comes from: a product URL or a search query, never both.
type Source struct {
	Kind  SourceKind `json:"kind"`
	Value string     `json:"value"`
}

func URLSource(u string) Source { return Source{Kind: SourceURL, Value: u} }

func QuerySource(q string) Source { return Source{Kind: SourceQuery, Value: q} }

func (s Source) Validate() error {
	switch s.Kind {
	case SourceURL, SourceQuery:
	default:
		return errors.New("source kind must be url or query")
	}
	if strings.TrimSpace(s.Value) == "" {
		return errors.New("source value required")
	}
	return nil
}

type Currency string

const (
	EUR Currency = "EUR"
	USD Currency = "USD"
)

// PricePoint is immutable; a refresh replaces it wholesale.
type PricePoint struct {
	Value    decimal.Decimal `json:"value"`
	Currency Currency        `json:"currency"`
	At       time.Time       `json:"at"`
}

type TrackedItem struct {
	ID          uuid.UUID        `json:"id"`
	Title       string           `json:"title"`
	Source      Source           `json:"source"`
	TargetPrice *decimal.Decimal `json:"target_price,omitempty"`
	LastPrice   *PricePoint      `json:"last_price,omitempty"`
	IsUpdating  bool             `json:"is_updating"`
}

func NewItem(title string, source Source) TrackedItem {
	return TrackedItem{ID: uuid.New(), Title: title, Source: source}
}

// WithTarget returns a copy of the item with a target price threshold.
func (i TrackedItem) WithTarget(target decimal.Decimal) TrackedItem {
	i.TargetPrice = &target
	return i
}

// TargetReached reports whether the last observed price is at or below the target.
func (i TrackedItem) TargetReached() bool {
	if i.TargetPrice == nil || i.LastPrice == nil {
		return false
	}
	return i.LastPrice.Value.LessThanOrEqual(*i.TargetPrice)
}

// DefaultItems is the demo watch list.
func DefaultItems() []TrackedItem {
	return []TrackedItem{
		NewItem("On Cloud 5", QuerySource("On Cloud 5")),
		NewItem("Birkenstock Boston", QuerySource("Birkenstock Boston")).WithTarget(decimal.NewFromInt(90)),
		NewItem("AirPods Pro 2", QuerySource("AirPods Pro 2")),
	}
}
