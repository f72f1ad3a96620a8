package stripe

import (
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
)

// Subscription is a flattened view of a Stripe subscription: its first item's
// price and period plus the fields the reconciler copies verbatim.
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	PriceID            string
	UnitAmount         int64
	Currency           string
	Interval           string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	TrialStart         *time.Time
	TrialEnd           *time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	Metadata           map[string]string
}

// SnapshotFromSDK flattens an SDK subscription. Period bounds live on the
// subscription item in current API versions.
func SnapshotFromSDK(sub *stripelib.Subscription) Subscription {
	if sub == nil {
		return Subscription{}
	}
	out := Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		Currency:          string(sub.Currency),
		TrialStart:        Timestamp(sub.TrialStart),
		TrialEnd:          Timestamp(sub.TrialEnd),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CanceledAt:        Timestamp(sub.CanceledAt),
		Metadata:          sub.Metadata,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		out.CurrentPeriodStart = unix(item.CurrentPeriodStart)
		out.CurrentPeriodEnd = unix(item.CurrentPeriodEnd)
		if item.Price != nil {
			out.PriceID = item.Price.ID
			out.UnitAmount = item.Price.UnitAmount
			if out.Currency == "" {
				out.Currency = string(item.Price.Currency)
			}
			if item.Price.Recurring != nil {
				out.Interval = string(item.Price.Recurring.Interval)
			}
		}
	}
	return out
}

// Timestamp converts a Stripe unix timestamp, treating zero as absent.
func Timestamp(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := unix(sec)
	return &t
}

func unix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
