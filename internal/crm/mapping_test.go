package crm

import (
	"testing"

	"github.com/havenpath/chat-backend/internal/domain"
)

func sp(s string) *string { return &s }

func TestMapLeadFields_Defaults(t *testing.T) {
	v := &domain.Visitor{
		Name:          sp("Jane Doe"),
		Phone:         sp("555-123-4567"),
		InsuranceInfo: sp("Blue Cross PPO"),
	}
	out := MapLeadFields(&domain.Property{}, v)

	if out["LastName"] != "Jane Doe" {
		t.Fatalf("LastName = %v", out["LastName"])
	}
	if out["Phone"] != "555-123-4567" {
		t.Fatalf("Phone = %v", out["Phone"])
	}
	if out["Insurance_Info__c"] != "Blue Cross PPO" {
		t.Fatalf("Insurance_Info__c = %v", out["Insurance_Info__c"])
	}
	if out["Company"] != "Self" {
		t.Fatalf("Company fallback = %v", out["Company"])
	}
	if out["LeadSource"] != "Website Chat" {
		t.Fatalf("LeadSource = %v", out["LeadSource"])
	}
}

func TestMapLeadFields_NameFallbackFromEmail(t *testing.T) {
	v := &domain.Visitor{Email: sp("jane.doe@example.com")}
	out := MapLeadFields(&domain.Property{}, v)
	if out["LastName"] != "Jane Doe" {
		t.Fatalf("LastName fallback = %v", out["LastName"])
	}
	if out["Email"] != "jane.doe@example.com" {
		t.Fatalf("Email = %v", out["Email"])
	}
}

func TestMapLeadFields_NameFallbackSentinel(t *testing.T) {
	out := MapLeadFields(&domain.Property{}, &domain.Visitor{})
	if out["LastName"] != "Unknown" {
		t.Fatalf("LastName sentinel = %v", out["LastName"])
	}
	if out["Company"] != "Self" {
		t.Fatalf("Company sentinel = %v", out["Company"])
	}
}

func TestMapLeadFields_PropertyOverrides(t *testing.T) {
	p := &domain.Property{CRMFieldMap: `{"phone":"MobilePhone","insurance_info":"Coverage__c"}`}
	v := &domain.Visitor{Phone: sp("555-0000"), InsuranceInfo: sp("Aetna")}
	out := MapLeadFields(p, v)
	if out["MobilePhone"] != "555-0000" {
		t.Fatalf("override not applied: %v", out)
	}
	if out["Coverage__c"] != "Aetna" {
		t.Fatalf("override not applied: %v", out)
	}
	if _, ok := out["Phone"]; ok {
		t.Fatalf("default mapping should be replaced by override")
	}
}

func TestMapLeadFields_BadOverrideJSONIgnored(t *testing.T) {
	p := &domain.Property{CRMFieldMap: `not json`}
	v := &domain.Visitor{Phone: sp("555-0000")}
	out := MapLeadFields(p, v)
	if out["Phone"] != "555-0000" {
		t.Fatalf("defaults should survive a bad override blob: %v", out)
	}
}

func TestMapLeadFields_SkipsBlankValues(t *testing.T) {
	v := &domain.Visitor{Phone: sp("   ")}
	out := MapLeadFields(&domain.Property{}, v)
	if _, ok := out["Phone"]; ok {
		t.Fatalf("blank values must not be exported")
	}
}
