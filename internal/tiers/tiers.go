// Package tiers is the static catalog of paid subscription tiers: which Stripe
// price backs each (tier, cadence) pair, the features a tier unlocks, and the
// trial policy applied at checkout.
package tiers

import (
	"errors"
	"fmt"
	"strings"
)

// Tier is a named subscription level. Tiers are ordered by capability.
type Tier string

const (
	Partner   Tier = "partner"
	Growth    Tier = "growth"
	Corporate Tier = "corporate"

	// Free is the base level every account falls back to. It has no price.
	Free Tier = "free"
)

// Cadence is a billing period.
type Cadence string

const (
	Monthly Cadence = "monthly"
	Yearly  Cadence = "yearly"
)

var (
	// ErrUnknownTier is returned for any tier outside the paid catalog.
	ErrUnknownTier = errors.New("tiers: unknown tier")
	// ErrUnknownCadence is returned for any billing period other than monthly/yearly.
	ErrUnknownCadence = errors.New("tiers: unknown billing period")
	// ErrPriceNotConfigured is returned when a valid pair has no price id.
	ErrPriceNotConfigured = errors.New("tiers: price not configured")
)

// All returns the paid tiers in capability order.
func All() []Tier {
	return []Tier{Partner, Growth, Corporate}
}

// Cadences returns the supported billing periods.
func Cadences() []Cadence {
	return []Cadence{Monthly, Yearly}
}

// ParseTier normalises raw input into a paid tier.
func ParseTier(raw string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, raw)
	}
	return t, nil
}

// ParseCadence normalises raw input into a billing period.
func ParseCadence(raw string) (Cadence, error) {
	c := Cadence(strings.ToLower(strings.TrimSpace(raw)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCadence, raw)
	}
	return c, nil
}

// Valid reports whether t is a paid tier.
func (t Tier) Valid() bool {
	switch t {
	case Partner, Growth, Corporate:
		return true
	}
	return false
}

func (c Cadence) Valid() bool {
	return c == Monthly || c == Yearly
}

// TrialDays is the free trial applied to new checkouts for the tier. Only the
// promotional tier carries one.
func TrialDays(t Tier) int64 {
	if t == Growth {
		return 14
	}
	return 0
}

// PriceKey identifies one catalog entry.
type PriceKey struct {
	Tier    Tier
	Cadence Cadence
}

func (k PriceKey) String() string {
	return string(k.Tier) + "_" + string(k.Cadence)
}

// PriceIDs maps catalog entries to Stripe price ids.
type PriceIDs map[PriceKey]string

// DefaultPriceIDs returns the development placeholders used when no
// STRIPE_PRICE_* override is configured.
func DefaultPriceIDs() PriceIDs {
	prices := make(PriceIDs, 6)
	for _, t := range All() {
		for _, c := range Cadences() {
			key := PriceKey{Tier: t, Cadence: c}
			prices[key] = "price_" + key.String()
		}
	}
	return prices
}

// Catalog resolves price ids in both directions.
type Catalog struct {
	prices  PriceIDs
	byPrice map[string]PriceKey
}

// NewCatalog builds a catalog from the configured price table. Blank entries are
// skipped so they surface as ErrPriceNotConfigured.
func NewCatalog(prices PriceIDs) *Catalog {
	c := &Catalog{
		prices:  make(PriceIDs, len(prices)),
		byPrice: make(map[string]PriceKey, len(prices)),
	}
	for key, id := range prices {
		id = strings.TrimSpace(id)
		if id == "" || !key.Tier.Valid() || !key.Cadence.Valid() {
			continue
		}
		c.prices[key] = id
		c.byPrice[id] = key
	}
	return c
}

// PriceID returns the Stripe price id for a tier and billing period.
func (c *Catalog) PriceID(t Tier, cadence Cadence) (string, error) {
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, t)
	}
	if !cadence.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCadence, cadence)
	}
	id, ok := c.prices[PriceKey{Tier: t, Cadence: cadence}]
	if !ok {
		return "", fmt.Errorf("%w: %s_%s", ErrPriceNotConfigured, t, cadence)
	}
	return id, nil
}

// Lookup maps a Stripe price id back to its catalog entry.
func (c *Catalog) Lookup(priceID string) (PriceKey, bool) {
	key, ok := c.byPrice[strings.TrimSpace(priceID)]
	return key, ok
}
