package tiers

// Locale is a supported interface language.
type Locale string

const (
	English Locale = "en"
	French  Locale = "fr"
)

// ParseLocale falls back to English for anything unsupported.
func ParseLocale(raw string) Locale {
	if Locale(raw) == French {
		return French
	}
	return English
}

// Plan is the public description of a tier shown on the pricing page.
type Plan struct {
	Tier               Tier     `json:"id"`
	Name               string   `json:"name"`
	Description        string   `json:"description"`
	MonthlyPriceCents  int64    `json:"monthlyPriceCents"`
	YearlyPriceCents   int64    `json:"yearlyPriceCents"`
	YearlySavingsCents int64    `json:"yearlySavingsCents"`
	Currency           string   `json:"currency"`
	TrialDays          int64    `json:"trialDays,omitempty"`
	Highlighted        bool     `json:"highlighted,omitempty"`
	Features           Features `json:"features"`
}

type listPrice struct {
	monthly int64
	yearly  int64
}

// List prices in CAD cents. Stripe is authoritative for what is charged; these
// only drive display.
var listPrices = map[Tier]listPrice{
	Partner:   {monthly: 14900, yearly: 148800},
	Growth:    {monthly: 39900, yearly: 299000},
	Corporate: {monthly: 124900, yearly: 1198800},
}

var names = map[Locale]map[Tier]string{
	English: {Partner: "Partner Plan", Growth: "Growth Plan", Corporate: "Corporate Plan"},
	French:  {Partner: "Plan Partenaire", Growth: "Plan Croissance", Corporate: "Plan Entreprise"},
}

var descriptions = map[Locale]map[Tier]string{
	English: {
		Partner:   "Perfect for small businesses",
		Growth:    "Scale your business with advanced features",
		Corporate: "Enterprise-grade solutions",
	},
	French: {
		Partner:   "Parfait pour les petites entreprises",
		Growth:    "Développez votre entreprise avec des fonctionnalités avancées",
		Corporate: "Solutions de niveau entreprise",
	},
}

// DisplayName returns the localized product name, or the raw tier when unknown.
func DisplayName(t Tier, locale Locale) string {
	if name, ok := names[ParseLocale(string(locale))][t]; ok {
		return name
	}
	return string(t)
}

// Plans returns every paid tier in capability order, localized.
func Plans(locale Locale) []Plan {
	locale = ParseLocale(string(locale))
	plans := make([]Plan, 0, len(listPrices))
	for _, t := range All() {
		p := listPrices[t]
		plans = append(plans, Plan{
			Tier:               t,
			Name:               DisplayName(t, locale),
			Description:        descriptions[locale][t],
			MonthlyPriceCents:  p.monthly,
			YearlyPriceCents:   p.yearly,
			YearlySavingsCents: p.monthly*12 - p.yearly,
			Currency:           "cad",
			TrialDays:          TrialDays(t),
			Highlighted:        t == Growth,
			Features:           FeaturesFor(t),
		})
	}
	return plans
}
