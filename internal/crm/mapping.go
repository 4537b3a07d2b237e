// Lead field mapping: visitor attributes → CRM Lead fields, per property.
//
// A property may override the default mapping with a JSON object on
// Property.CRMFieldMap. Required CRM fields that end up without a mapped
// value receive deterministic fallbacks (a last name derived from the email
// local part, a sentinel company) rather than failing the whole item.
package crm

import (
	"encoding/json"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/havenpath/chat-backend/internal/domain"
)

// Fallbacks for CRM-required Lead fields.
const (
	fallbackLastName = "Unknown"
	fallbackCompany  = "Self"
)

// defaultFieldMap maps visitor lead fields to standard-ish Lead fields.
var defaultFieldMap = map[string]string{
	"name":               "LastName",
	"email":              "Email",
	"phone":              "Phone",
	"age":                "Age__c",
	"occupation":         "Occupation__c",
	"addiction_history":  "Addiction_History__c",
	"drug_of_choice":     "Drug_Of_Choice__c",
	"treatment_interest": "Treatment_Interest__c",
	"insurance_info":     "Insurance_Info__c",
	"urgency_level":      "Urgency_Level__c",
}

// MapLeadFields builds the sobjects payload for a visitor under a property's
// field mapping. LastName and Company are always present: CRM rejects Leads
// without them, and a missing value must degrade to a fallback, not an error.
func MapLeadFields(p *domain.Property, v *domain.Visitor) map[string]any {
	mapping := fieldMapFor(p)

	values := map[string]*string{
		"name":               v.Name,
		"email":              v.Email,
		"phone":              v.Phone,
		"age":                v.Age,
		"occupation":         v.Occupation,
		"addiction_history":  v.AddictionHistory,
		"drug_of_choice":     v.DrugOfChoice,
		"treatment_interest": v.TreatmentInterest,
		"insurance_info":     v.InsuranceInfo,
		"urgency_level":      v.UrgencyLevel,
	}

	out := map[string]any{}
	for field, val := range values {
		if val == nil || strings.TrimSpace(*val) == "" {
			continue
		}
		crmField, ok := mapping[field]
		if !ok || crmField == "" {
			continue
		}
		out[crmField] = strings.TrimSpace(*val)
	}

	if _, ok := out["LastName"]; !ok {
		out["LastName"] = fallbackName(v)
	}
	if _, ok := out["Company"]; !ok {
		out["Company"] = fallbackCompany
	}
	out["LeadSource"] = "Website Chat"
	return out
}

// fieldMapFor merges the property's JSON overrides over the defaults.
// Undecodable overrides are ignored; the defaults always apply.
func fieldMapFor(p *domain.Property) map[string]string {
	mapping := make(map[string]string, len(defaultFieldMap))
	for k, v := range defaultFieldMap {
		mapping[k] = v
	}
	if p != nil && strings.TrimSpace(p.CRMFieldMap) != "" {
		var overrides map[string]string
		if err := json.Unmarshal([]byte(p.CRMFieldMap), &overrides); err == nil {
			for k, v := range overrides {
				mapping[k] = v
			}
		}
	}
	return mapping
}

// fallbackName derives a deterministic lead name when the visitor never gave
// one: the title-cased email local part, else the sentinel.
func fallbackName(v *domain.Visitor) string {
	if v.Email != nil {
		local, _, found := strings.Cut(*v.Email, "@")
		local = strings.TrimSpace(local)
		if found && local != "" {
			local = strings.NewReplacer(".", " ", "_", " ", "-", " ").Replace(local)
			return cases.Title(language.Und).String(local)
		}
	}
	return fallbackLastName
}
