package core

import (
	"encoding/json"
	"testing"
)

func TestInsightsReport_Decode(t *testing.T) {
	body := `{
		"category_summary": {"Food": 450.2, "Rent": 1200},
		"subscriptions": [{"description": "Netflix", "amount": 15.99, "provider": "Visa", "occurrences": 12}],
		"anomalies": [{"description": "Spike", "amount": 150, "severity": "HIGH"}],
		"trends": {"monthly": [{"month": "2024-10", "amount": 2100}], "daily": [{"date": "2024-10-01", "amount": 12.5}]}
	}`
	var r InsightsReport
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.CategorySummary["Food"].Cents != 45020 {
		t.Errorf("Food = %v", r.CategorySummary["Food"])
	}
	if r.Subscriptions[0].Occurrences != 12 {
		t.Errorf("occurrences = %d", r.Subscriptions[0].Occurrences)
	}
	if got := len(r.AnomaliesBySeverity("high")); got != 1 {
		t.Errorf("high anomalies = %d", got)
	}
	if r.Trends.Daily[0].Label() != "2024-10-01" || r.Trends.Monthly[0].Label() != "2024-10" {
		t.Errorf("labels = %q %q", r.Trends.Daily[0].Label(), r.Trends.Monthly[0].Label())
	}
}

func TestInsightsReport_Categories(t *testing.T) {
	r := InsightsReport{CategorySummary: map[string]Money{
		"b": {Cents: 100},
		"a": {Cents: 100},
		"c": {Cents: 500},
	}}
	got := r.Categories()
	want := []string{"c", "a", "b"}
	for i, name := range want {
		if got[i].Name != name {
			t.Fatalf("Categories()[%d] = %s, want %s", i, got[i].Name, name)
		}
	}
	if r.Total().Cents != 700 {
		t.Fatalf("Total() = %v", r.Total())
	}
}

func TestDemoInsights(t *testing.T) {
	r := DemoInsights()
	if r.Empty() {
		t.Fatal("demo report is empty")
	}
	if got := r.Total().String(); got != "2060.25" {
		t.Errorf("Total() = %s", got)
	}
	if got := r.SubscriptionTotal().String(); got != "44.99" {
		t.Errorf("SubscriptionTotal() = %s", got)
	}
	if len(r.Trends.Monthly) != 4 {
		t.Errorf("monthly points = %d", len(r.Trends.Monthly))
	}
	if !(InsightsReport{}).Empty() {
		t.Error("zero report not empty")
	}
}
