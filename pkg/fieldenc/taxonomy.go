package fieldenc

import (
	"sort"
	"strings"
)

// Category classifies a sensitive field.
type Category string

const (
	CategoryPII       Category = "pii"
	CategoryFinancial Category = "financial"
	CategoryMedical   Category = "medical"
	CategoryBusiness  Category = "business"
)

// Taxonomy maps field names to their sensitivity category.
// Lookups are case-insensitive.
type Taxonomy map[string]Category

// DefaultTaxonomy is the fixed set of fields always encrypted at field level.
func DefaultTaxonomy() Taxonomy {
	t := Taxonomy{}
	t.add(CategoryPII,
		"name", "first_name", "last_name", "full_name",
		"email", "email_address", "phone", "phone_number", "address", "home_address",
		"ssn", "social_security_number", "national_id", "passport_number",
		"drivers_license", "date_of_birth", "dob", "ip_address",
	)
	t.add(CategoryFinancial,
		"credit_card", "credit_card_number", "card_number", "cvv", "expiry_date",
		"bank_account", "account_number", "routing_number", "iban", "swift",
		"salary", "income", "tax_id", "financial_data",
	)
	t.add(CategoryMedical,
		"diagnosis", "medical_record", "medical_record_number", "mrn",
		"medication", "medications", "prescription", "treatment", "health_condition",
		"health_data", "insurance_id", "lab_results", "allergies", "patient_id",
	)
	t.add(CategoryBusiness,
		"password", "api_key", "secret", "token", "access_token", "refresh_token",
		"private_key", "credentials",
	)
	return t
}

func (t Taxonomy) add(c Category, names ...string) {
	for _, n := range names {
		t[strings.ToLower(n)] = c
	}
}

// Category returns the category of a field, if the field is sensitive.
func (t Taxonomy) Category(field string) (Category, bool) {
	c, ok := t[strings.ToLower(field)]
	return c, ok
}

// With returns a copy of the taxonomy extended with extra fields.
// Extra fields not already classified become CategoryBusiness.
func (t Taxonomy) With(extra []string) Taxonomy {
	out := make(Taxonomy, len(t)+len(extra))
	for k, v := range t {
		out[k] = v
	}
	for _, f := range extra {
		key := strings.ToLower(f)
		if _, ok := out[key]; !ok {
			out[key] = CategoryBusiness
		}
	}
	return out
}

// Fields returns the classified field names, sorted.
func (t Taxonomy) Fields() []string {
	names := make([]string, 0, len(t))
	for n := range t {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
