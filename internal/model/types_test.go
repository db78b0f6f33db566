package model

import "testing"

func TestSeverityMaxMonotonic(t *testing.T) {
	sev := SevLow
	sev = sev.Max(SevHigh)
	if sev != SevHigh {
		t.Errorf("expected high, got %s", sev)
	}
	sev = sev.Max(SevMedium)
	if sev != SevHigh {
		t.Errorf("expected high (no retreat), got %s", sev)
	}
	sev = sev.Max(SevCritical)
	if sev != SevCritical {
		t.Errorf("expected critical, got %s", sev)
	}
}

func TestSeverityFor(t *testing.T) {
	tests := []struct {
		name     string
		findings []Finding
		want     Severity
	}{
		{"none", nil, SevLow},
		{"email only", []Finding{{Category: CategoryEmail}}, SevMedium},
		{"email and key", []Finding{{Category: CategoryEmail}, {Category: CategoryAPIKey}}, SevHigh},
		{"card", []Finding{{Category: CategoryEmail}, {Category: CategoryCreditCard}}, SevCritical},
		{"custom", []Finding{{Category: Category("iban")}}, SevHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SeverityFor(tt.findings); got != tt.want {
				t.Errorf("SeverityFor() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCategoriesDistinctInOrder(t *testing.T) {
	ev := ClassifiedEvent{Findings: []Finding{
		{Category: CategoryEmail},
		{Category: CategoryCreditCard},
		{Category: CategoryEmail},
	}}
	got := ev.Categories()
	if len(got) != 2 || got[0] != CategoryEmail || got[1] != CategoryCreditCard {
		t.Errorf("unexpected categories: %v", got)
	}
}

func TestCategoryLabel(t *testing.T) {
	if CategoryCreditCard.Label() != "PAN" {
		t.Errorf("credit card label = %s", CategoryCreditCard.Label())
	}
	if Category("iban").Label() != "IBAN" {
		t.Errorf("custom label = %s", Category("iban").Label())
	}
}
