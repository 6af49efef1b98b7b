// Package policy maps documents to compliance-driven encryption policies.
//
// A Policy fixes which extra fields must always be encrypted, the encryption
// granularity, the tenant-key rotation cadence and whether audit logging is
// mandatory. Selection is pluggable through the Selector interface; the
// built-in KeywordSelector returns the first policy whose trigger fields
// intersect the document's field names.
//
// Keyword intersection is a heuristic, not a schema-validated classification:
// a document that happens to contain a field called "diagnosis" is treated as
// health data regardless of what the field holds.
package policy

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Granularity selects field-level or whole-document encryption.
type Granularity string

const (
	FieldLevel    Granularity = "field_level"
	DocumentLevel Granularity = "document_level"
)

// Built-in policy names.
const (
	HIPAA             = "HIPAA"
	PCIDSS            = "PCI_DSS"
	GDPR              = "GDPR"
	SOX               = "SOX"
	EnterpriseDefault = "ENTERPRISE_DEFAULT"
)

// ErrUnknownPolicy is returned by Get for names not in the set.
var ErrUnknownPolicy = errors.New("policy: unknown policy")

// Policy is one named compliance policy.
type Policy struct {
	Name             string        `yaml:"name" json:"name"`
	Description      string        `yaml:"description" json:"description"`
	TriggerFields    []string      `yaml:"trigger_fields" json:"trigger_fields"`
	RequiredFields   []string      `yaml:"required_fields" json:"required_fields"`
	Granularity      Granularity   `yaml:"granularity" json:"granularity"`
	RotationInterval time.Duration `yaml:"rotation_interval" json:"rotation_interval"`
	AuditRequired    bool          `yaml:"audit_required" json:"audit_required"`
	Regulated        bool          `yaml:"regulated" json:"regulated"`
}

// Validate checks the policy is usable.
func (p *Policy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("policy: name is required")
	}
	switch p.Granularity {
	case FieldLevel, DocumentLevel:
	default:
		return fmt.Errorf("policy %s: invalid granularity %q", p.Name, p.Granularity)
	}
	if p.RotationInterval < 0 {
		return fmt.Errorf("policy %s: negative rotation interval", p.Name)
	}
	return nil
}

// RotationDue reports whether a key last rotated at rotatedAt is due at now.
// A zero RotationInterval never rotates.
func (p *Policy) RotationDue(rotatedAt, now time.Time) bool {
	return p.RotationInterval > 0 && !rotatedAt.IsZero() && now.Sub(rotatedAt) >= p.RotationInterval
}

// Selector picks the policy for a document.
type Selector interface {
	PolicyForDocument(doc map[string]any) *Policy
}

// BuiltinPolicies returns the default policy set in evaluation order.
// The last entry is the fallback.
func BuiltinPolicies() []*Policy {
	day := 24 * time.Hour
	return []*Policy{
		{
			Name:        HIPAA,
			Description: "Protected health information",
			TriggerFields: []string{
				"diagnosis", "medical_record", "medical_record_number", "mrn", "medication",
				"medications", "prescription", "treatment", "health_condition", "health_data",
				"patient_id", "lab_results", "allergies", "insurance_id",
			},
			RequiredFields:   []string{"patient_id", "insurance_id", "health_data", "medical_history"},
			Granularity:      FieldLevel,
			RotationInterval: 90 * day,
			AuditRequired:    true,
			Regulated:        true,
		},
		{
			Name:        PCIDSS,
			Description: "Payment card data",
			TriggerFields: []string{
				"credit_card", "credit_card_number", "card_number", "cvv", "expiry_date",
				"cardholder_name", "payment_method",
			},
			RequiredFields:   []string{"cardholder_name", "billing_address", "payment_method"},
			Granularity:      FieldLevel,
			RotationInterval: 90 * day,
			AuditRequired:    true,
			Regulated:        true,
		},
		{
			Name:        GDPR,
			Description: "Personal data of natural persons",
			TriggerFields: []string{
				"email", "email_address", "name", "first_name", "last_name", "full_name",
				"phone", "phone_number", "address", "date_of_birth", "dob", "ip_address",
				"national_id", "passport_number",
			},
			RequiredFields:   []string{"ip_address", "location", "user_agent"},
			Granularity:      FieldLevel,
			RotationInterval: 180 * day,
			AuditRequired:    true,
			Regulated:        true,
		},
		{
			Name:        SOX,
			Description: "Financial reporting records",
			TriggerFields: []string{
				"revenue", "financial_statement", "ledger", "transaction_amount",
				"account_number", "bank_account", "salary", "income", "tax_id",
			},
			RequiredFields:   []string{"revenue", "financial_statement", "ledger", "transaction_amount"},
			Granularity:      FieldLevel,
			RotationInterval: 365 * day,
			AuditRequired:    true,
			Regulated:        true,
		},
		{
			Name:             EnterpriseDefault,
			Description:      "Generic enterprise data",
			Granularity:      DocumentLevel,
			RotationInterval: 365 * day,
			AuditRequired:    false,
			Regulated:        false,
		},
	}
}

// KeywordSelector implements Selector by field-name intersection.
type KeywordSelector struct {
	policies []*Policy
	fallback *Policy
	byName   map[string]*Policy
}

// NewKeywordSelector creates a selector over policies evaluated in order.
// The policy with no trigger fields named EnterpriseDefault (or the last policy)
// is the fallback.
func NewKeywordSelector(policies []*Policy) (*KeywordSelector, error) {
	if len(policies) == 0 {
		return nil, fmt.Errorf("policy: empty policy set")
	}

	s := &KeywordSelector{byName: make(map[string]*Policy, len(policies))}
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.byName[p.Name]; dup {
			return nil, fmt.Errorf("policy: duplicate policy %q", p.Name)
		}
		s.byName[p.Name] = p
		if p.Name == EnterpriseDefault {
			s.fallback = p
			continue
		}
		s.policies = append(s.policies, p)
	}
	if s.fallback == nil {
		s.fallback = s.policies[len(s.policies)-1]
		s.policies = s.policies[:len(s.policies)-1]
	}
	return s, nil
}

// DefaultSelector returns a KeywordSelector over BuiltinPolicies.
func DefaultSelector() *KeywordSelector {
	s, err := NewKeywordSelector(BuiltinPolicies())
	if err != nil {
		panic(err) // built-in set is static
	}
	return s
}

// PolicyForDocument returns the first policy whose trigger or required fields
// intersect the document's field names, or the fallback.
func (s *KeywordSelector) PolicyForDocument(doc map[string]any) *Policy {
	fields := make(map[string]struct{}, len(doc))
	for k := range doc {
		fields[strings.ToLower(k)] = struct{}{}
	}

	for _, p := range s.policies {
		if intersects(fields, p.TriggerFields) || intersects(fields, p.RequiredFields) {
			return p
		}
	}
	return s.fallback
}

// Get returns the named policy.
func (s *KeywordSelector) Get(name string) (*Policy, error) {
	p, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPolicy, name)
	}
	return p, nil
}

// Policies returns the set in evaluation order, fallback last.
func (s *KeywordSelector) Policies() []*Policy {
	out := make([]*Policy, 0, len(s.policies)+1)
	out = append(out, s.policies...)
	return append(out, s.fallback)
}

func intersects(fields map[string]struct{}, names []string) bool {
	for _, n := range names {
		if _, ok := fields[strings.ToLower(n)]; ok {
			return true
		}
	}
	return false
}

// File is the YAML layout of a custom policy set.
//
//	policies:
//	  - name: INTERNAL_HR
//	    trigger_fields: [employee_id]
//	    required_fields: [salary]
//	    granularity: field_level
//	    rotation_interval: 720h
//	    audit_required: true
//	    regulated: true
type File struct {
	Policies []*Policy `yaml:"policies"`
	// IncludeBuiltins prepends the built-in regulated policies.
	IncludeBuiltins bool `yaml:"include_builtins"`
}

// Parse reads a policy set from YAML and builds a selector.
func Parse(data []byte) (*KeywordSelector, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("policy: parsing yaml: %w", err)
	}

	policies := f.Policies
	if f.IncludeBuiltins {
		builtins := BuiltinPolicies()
		fallback := builtins[len(builtins)-1]
		policies = make([]*Policy, 0, len(builtins)+len(f.Policies))
		policies = append(policies, builtins[:len(builtins)-1]...)
		policies = append(policies, f.Policies...)
		policies = append(policies, fallback)
	}
	return NewKeywordSelector(policies)
}

// LoadFile reads a policy set from a YAML file.
func LoadFile(path string) (*KeywordSelector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: reading %s: %w", path, err)
	}
	return Parse(data)
}
