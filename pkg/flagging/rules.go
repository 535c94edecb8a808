package flagging

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const DefaultThreshold = 6

// DefaultRuleset is used when no rules file is configured.
func DefaultRuleset() *Ruleset {
	return &Ruleset{
		Threshold: DefaultThreshold,
		Rules: []Rule{
			{
				Name:     "harassment",
				Category: "workplace_conduct",
				Severity: SeverityHigh,
				Weight:   2,
				Keywords: []string{"harassment", "harass", "threaten", "intimidate", "quid pro quo", "hostile work environment"},
			},
			{
				Name:     "discrimination",
				Category: "equal_opportunity",
				Severity: SeverityHigh,
				Weight:   2,
				Keywords: []string{"discrimination", "discriminatory", "segregate", "too old to hire", "because of their religion"},
			},
			{
				Name:     "personal_data",
				Category: "privacy",
				Severity: SeverityMedium,
				Weight:   2,
				Keywords: []string{"social security number", "ssn", "medical record", "credit card number", "date of birth", "home address"},
			},
			{
				Name:     "fraud",
				Category: "financial_integrity",
				Severity: SeverityHigh,
				Weight:   2,
				Keywords: []string{"falsify", "forged", "backdate", "kickback", "bribe", "embezzle", "money laundering"},
			},
			{
				Name:     "unsafe_instruction",
				Category: "workplace_safety",
				Severity: SeverityCritical,
				Weight:   1,
				Keywords: []string{"bypass lockout", "disable the safety", "skip the lockout", "ignore osha"},
			},
			{
				Name:     "copyright",
				Category: "intellectual_property",
				Severity: SeverityMedium,
				Weight:   1,
				Keywords: []string{"pirated", "cracked license", "copyrighted material", "plagiarized"},
			},
		},
	}
}

// LoadRuleset reads a YAML ruleset and checks every rule is usable.
func LoadRuleset(path string) (*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var rs Ruleset
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse ruleset %s: %w", path, err)
	}
	if err := rs.Validate(); err != nil {
		return nil, fmt.Errorf("ruleset %s: %w", path, err)
	}
	return &rs, nil
}

func (rs *Ruleset) Validate() error {
	if rs.Threshold <= 0 {
		rs.Threshold = DefaultThreshold
	}
	for i, rule := range rs.Rules {
		if rule.Name == "" {
			return fmt.Errorf("rule %d has no name", i)
		}
		if _, ok := severityMultiplier[rule.Severity]; !ok {
			return fmt.Errorf("rule %q has unknown severity %q", rule.Name, rule.Severity)
		}
		if len(rule.Keywords) == 0 {
			return fmt.Errorf("rule %q has no keywords", rule.Name)
		}
		if rule.Weight <= 0 {
			rs.Rules[i].Weight = 1
		}
	}
	return nil
}
