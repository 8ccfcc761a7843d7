// Package safety classifies action and task types into risk tiers and
// derives the approval gates the worker enforces. Centralizing the
// lookup keeps call sites from silently under-classifying new types:
// anything the tables do not know degrades to a cautious default, never
// to full trust.
package safety

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tier is a 0-4 risk classification.
type Tier int

const (
	TierMin Tier = 0
	TierMax Tier = 4

	// TierUnknown is the fail-safe for unregistered types: flagged
	// sensitive, but not requiring approval.
	TierUnknown Tier = 2

	// ApprovalTier and above require explicit sign-off before the
	// worker will execute.
	ApprovalTier Tier = 3

	// SignatureTier and above additionally require a signed approval
	// token.
	SignatureTier Tier = 4
)

// TestMarker in a task description flags the record as a synthetic test
// artifact. TestSources are the payload metadata source values with the
// same meaning.
const TestMarker = "[hearth-test]"

var testSources = map[string]bool{
	"test":             true,
	"integration-test": true,
	"seed-test":        true,
}

// Policy holds the type->tier tables. Built once at startup, read-only
// afterwards.
type Policy struct {
	exact      map[string]Tier
	namespaces map[string]Tier
}

// Default returns the built-in policy tables.
func Default() *Policy {
	return &Policy{
		exact: map[string]Tier{
			"memory.store":               0,
			"notify.send":                1,
			"bills.create":               1,
			"calendar.create_event":      1,
			"tax.categorize_transaction": 1,
			"bill_reminder":              1,
			"bills.update":               2,
			"memory.forget":              2,
			"tasks.create_followup":      2,
			"system.halt":                2,
			"bills.mark_paid":            3,
			"calendar.delete_event":      3,
			"bills.delete":               4,
		},
		namespaces: map[string]Tier{
			"memory":   1,
			"notify":   1,
			"calendar": 1,
			"tax":      1,
			"bills":    2,
			"tasks":    2,
			"system":   2,
		},
	}
}

// Overrides extends the built-in tables from a YAML file:
//
//	types:
//	  garden.water: 1
//	namespaces:
//	  garden: 1
type Overrides struct {
	Types      map[string]Tier `yaml:"types"`
	Namespaces map[string]Tier `yaml:"namespaces"`
}

// LoadOverrides applies a YAML overrides file to the policy. A missing
// path is not an error; the built-ins stand.
func (p *Policy) LoadOverrides(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var ov Overrides
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return fmt.Errorf("invalid tier overrides yaml: %w", err)
	}
	for t, tier := range ov.Types {
		if tier < TierMin || tier > TierMax {
			return fmt.Errorf("tier override for %s out of range: %d", t, tier)
		}
		p.exact[t] = tier
	}
	for ns, tier := range ov.Namespaces {
		if tier < TierMin || tier > TierMax {
			return fmt.Errorf("namespace override for %s out of range: %d", ns, tier)
		}
		p.namespaces[ns] = tier
	}
	return nil
}

// Classify resolves a type to its tier: exact match, then namespace
// prefix (text before the first dot), then the fail-safe TierUnknown.
func (p *Policy) Classify(typ string) Tier {
	if tier, ok := p.exact[typ]; ok {
		return tier
	}
	if ns, _, found := strings.Cut(typ, "."); found {
		if tier, ok := p.namespaces[ns]; ok {
			return tier
		}
	}
	return TierUnknown
}

// RequiresApproval reports whether the type needs explicit sign-off.
func (p *Policy) RequiresApproval(typ string) bool {
	return p.Classify(typ) >= ApprovalTier
}

// RequiresSignature reports whether the type needs a signed approval token.
func (p *Policy) RequiresSignature(typ string) bool {
	return p.Classify(typ) >= SignatureTier
}

// Known reports whether the type resolves through the exact table.
func (p *Policy) Known(typ string) bool {
	_, ok := p.exact[typ]
	return ok
}

// IsTestArtifact reports whether a task is synthetic test data: the
// description carries the reserved marker, or the payload metadata
// names a known test source.
func IsTestArtifact(description string, payload map[string]any) bool {
	if strings.Contains(description, TestMarker) {
		return true
	}
	meta, ok := payload["metadata"].(map[string]any)
	if !ok {
		return false
	}
	source, ok := meta["source"].(string)
	if !ok {
		return false
	}
	return testSources[source]
}
