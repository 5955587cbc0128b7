package audit

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// policyFile is the on-disk format for registering extra collections:
//
//	collections:
//	  - name: rehabMenus
//	    rule: full
//	    subject_field: patientId
//	  - name: invoices
//	    rule: drop_fields
//	    fields: [cardNumber, cvc]
type policyFile struct {
	Collections []struct {
		Name         string   `yaml:"name"`
		Rule         string   `yaml:"rule"`
		Fields       []string `yaml:"fields"`
		SubjectField string   `yaml:"subject_field"`
	} `yaml:"collections"`
}

// ParsePolicyExtensions parses the YAML policy extension format
func ParsePolicyExtensions(data []byte) ([]Extension, error) {
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}

	exts := make([]Extension, 0, len(pf.Collections))
	for _, c := range pf.Collections {
		rule := Rule(c.Rule)
		if rule == "" {
			rule = RuleFull
		}
		exts = append(exts, Extension{
			Collection:   Collection(c.Name),
			Rule:         rule,
			Fields:       c.Fields,
			SubjectField: c.SubjectField,
		})
	}
	return exts, nil
}

// LoadPolicyFile builds a policy from the built-in rules plus the extensions in path.
// An empty path yields the built-in policy.
func LoadPolicyFile(path string) (*Policy, error) {
	if path == "" {
		return NewPolicy()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	exts, err := ParsePolicyExtensions(data)
	if err != nil {
		return nil, err
	}
	return NewPolicy(exts...)
}
