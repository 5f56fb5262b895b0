package core

import (
	"sort"
	"strings"
)

type (
	// Subscription is a recurring charge detected by the insights app.
	Subscription struct {
		Description string `json:"description"`
		Amount      Money  `json:"amount"`
		Provider    string `json:"provider,omitempty"`
		Occurrences int    `json:"occurrences,omitempty"`
	}

	// Anomaly is an unusual transaction or spending pattern.
	Anomaly struct {
		Description string `json:"description"`
		Amount      Money  `json:"amount"`
		Date        string `json:"date,omitempty"`
		Merchant    string `json:"merchant,omitempty"`
		Severity    string `json:"severity,omitempty"`
	}

	// TrendPoint is one bucket of a spending trend. Exactly one of Month,
	// Week or Date is set depending on the series.
	TrendPoint struct {
		Month  string `json:"month,omitempty"`
		Week   string `json:"week,omitempty"`
		Date   string `json:"date,omitempty"`
		Amount Money  `json:"amount"`
	}

	// Trends groups the spending series the insights app produces.
	Trends struct {
		Monthly []TrendPoint `json:"monthly,omitempty"`
		Weekly  []TrendPoint `json:"weekly,omitempty"`
		Daily   []TrendPoint `json:"daily,omitempty"`
	}

	// InsightsReport is the decoded output of the insights application.
	InsightsReport struct {
		CategorySummary map[string]Money `json:"category_summary"`
		Subscriptions   []Subscription   `json:"subscriptions"`
		Anomalies       []Anomaly        `json:"anomalies"`
		Trends          Trends           `json:"trends"`
	}

	// CategoryAmount represents an amount aggregated by category name.
	CategoryAmount struct {
		Name   string
		Amount Money
	}
)

// Label returns whichever period field is set.
func (p TrendPoint) Label() string {
	switch {
	case p.Month != "":
		return p.Month
	case p.Week != "":
		return p.Week
	default:
		return p.Date
	}
}

// Categories returns the category summary sorted by amount, largest first.
// Ties are broken by name.
func (r InsightsReport) Categories() []CategoryAmount {
	out := make([]CategoryAmount, 0, len(r.CategorySummary))
	for name, amount := range r.CategorySummary {
		out = append(out, CategoryAmount{Name: name, Amount: amount})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Amount.Cents != out[j].Amount.Cents {
			return out[i].Amount.Cents > out[j].Amount.Cents
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Total sums the category summary.
func (r InsightsReport) Total() Money {
	var total Money
	for _, amount := range r.CategorySummary {
		total = total.Add(amount)
	}
	return total
}

// SubscriptionTotal sums one occurrence of every detected subscription.
func (r InsightsReport) SubscriptionTotal() Money {
	var total Money
	for _, s := range r.Subscriptions {
		total = total.Add(s.Amount)
	}
	return total
}

// AnomaliesBySeverity returns anomalies whose severity matches, ignoring case.
func (r InsightsReport) AnomaliesBySeverity(severity string) []Anomaly {
	var out []Anomaly
	for _, a := range r.Anomalies {
		if strings.EqualFold(a.Severity, severity) {
			out = append(out, a)
		}
	}
	return out
}

// Empty reports whether the report carries no data at all.
func (r InsightsReport) Empty() bool {
	return len(r.CategorySummary) == 0 && len(r.Subscriptions) == 0 &&
		len(r.Anomalies) == 0 && len(r.Trends.Monthly) == 0 &&
		len(r.Trends.Weekly) == 0 && len(r.Trends.Daily) == 0
}

// DemoInsights returns a fixed sample report used when no backend is
// reachable or when explicitly requested.
func DemoInsights() InsightsReport {
	return InsightsReport{
		CategorySummary: map[string]Money{
			"Food":          {Cents: 45020},
			"Rent":          {Cents: 120000},
			"Subscriptions": {Cents: 8990},
			"Travel":        {Cents: 32015},
		},
		Subscriptions: []Subscription{
			{Description: "Netflix", Amount: Money{Cents: 1599}, Provider: "Visa", Occurrences: 12},
			{Description: "SaaS Tool", Amount: Money{Cents: 2900}, Provider: "Amex", Occurrences: 6},
		},
		Anomalies: []Anomaly{
			{
				Description: "High Spending in Food",
				Amount:      Money{Cents: 15000},
				Date:        "2025-01-20",
				Merchant:    "Fancy Restaurant",
				Severity:    "medium",
			},
		},
		Trends: Trends{
			Monthly: []TrendPoint{
				{Month: "2024-10", Amount: Money{Cents: 210000}},
				{Month: "2024-11", Amount: Money{Cents: 195000}},
				{Month: "2024-12", Amount: Money{Cents: 240000}},
				{Month: "2025-01", Amount: Money{Cents: 180000}},
			},
		},
	}
}
