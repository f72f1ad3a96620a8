package tiers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Unlimited is the sentinel Limit for uncapped quotas.
const Unlimited Limit = -1

// Limit is a numeric quota that may be unlimited. It marshals to the string
// "unlimited" in that case.
type Limit int

func (l Limit) IsUnlimited() bool { return l < 0 }

func (l Limit) String() string {
	if l.IsUnlimited() {
		return "unlimited"
	}
	return strconv.Itoa(int(l))
}

func (l Limit) MarshalJSON() ([]byte, error) {
	if l.IsUnlimited() {
		return []byte(`"unlimited"`), nil
	}
	return []byte(strconv.Itoa(int(l))), nil
}

func (l *Limit) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "unlimited" {
			*l = Unlimited
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("tiers: invalid limit %q", s)
		}
		*l = Limit(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("tiers: invalid limit %s", data)
	}
	*l = Limit(n)
	return nil
}

// Features is the entitlement set a tier grants. It is stored alongside each
// subscription so later catalog edits do not rewrite history.
type Features struct {
	MaxPartnerships  Limit `json:"max_partnerships"`
	VerifiedBadge    bool  `json:"verified_badge"`
	PrioritySupport  bool  `json:"priority_support"`
	FeaturedListing  bool  `json:"featured_listing"`
	APIAccess        bool  `json:"api_access"`
	CustomBranding   bool  `json:"custom_branding"`
	CarbonTracking   bool  `json:"carbon_tracking"`
	DedicatedSupport bool  `json:"dedicated_support"`
	WhiteLabel       bool  `json:"white_label"`
}

// BaseFeatures is what an account without an active paid subscription gets.
func BaseFeatures() Features {
	return Features{MaxPartnerships: 3}
}

// FeaturesFor returns the full set for a paid tier and the base set otherwise.
func FeaturesFor(t Tier) Features {
	switch t {
	case Partner:
		return Features{
			MaxPartnerships: 20,
			VerifiedBadge:   true,
		}
	case Growth:
		return Features{
			MaxPartnerships: 100,
			VerifiedBadge:   true,
			PrioritySupport: true,
			FeaturedListing: true,
			CustomBranding:  true,
			CarbonTracking:  true,
		}
	case Corporate:
		return Features{
			MaxPartnerships:  Unlimited,
			VerifiedBadge:    true,
			PrioritySupport:  true,
			FeaturedListing:  true,
			APIAccess:        true,
			CustomBranding:   true,
			CarbonTracking:   true,
			DedicatedSupport: true,
			WhiteLabel:       true,
		}
	}
	return BaseFeatures()
}
