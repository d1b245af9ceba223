// pkg/config/rules.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProductRules are the versioned name lists used to denoise product names
type ProductRules struct {
	Version int       `yaml:"version"`
	Pass2   Pass2Rule `yaml:"pass2"`
	Pass3   Pass3Rule `yaml:"pass3"`
}

// Pass2Rule nulls manual-input names and, optionally, names shared across stock codes
type Pass2Rule struct {
	Denylist        []string `yaml:"denylist"`
	NullSharedNames bool     `yaml:"null_shared_names"`
	Allowlist       []string `yaml:"allowlist"`
}

// Pass3Rule nulls the remaining known non-product names
type Pass3Rule struct {
	Denylist []string `yaml:"denylist"`
}

// LoadProductRules reads and validates a product rules YAML file
func LoadProductRules(path string) (*ProductRules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read product rules %s: %w", path, err)
	}

	return ParseProductRules(data)
}

// ParseProductRules decodes product rules from YAML
func ParseProductRules(data []byte) (*ProductRules, error) {
	var rules ProductRules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse product rules: %w", err)
	}

	if err := rules.Validate(); err != nil {
		return nil, err
	}

	rules.normalize()
	return &rules, nil
}

// Validate checks the rules file carries a version
func (r *ProductRules) Validate() error {
	if r.Version <= 0 {
		return errors.New("product rules must declare a positive version")
	}
	return nil
}

// Names are compared in their cleaned form, so list entries are upper-cased and trimmed once here
func (r *ProductRules) normalize() {
	r.Pass2.Denylist = normalizeNames(r.Pass2.Denylist)
	r.Pass2.Allowlist = normalizeNames(r.Pass2.Allowlist)
	r.Pass3.Denylist = normalizeNames(r.Pass3.Denylist)
}

func normalizeNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.ToUpper(strings.TrimSpace(n))
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}

// Set converts a list into a lookup set
func Set(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}
