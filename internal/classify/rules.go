package classify

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// DangerRule is one user-supplied pattern from a rules file.
type DangerRule struct {
	Pattern string `yaml:"pattern"`
	Level   string `yaml:"level"`
	Message string `yaml:"message"`
}

// RulesFile is the YAML schema for custom rule overrides.
type RulesFile struct {
	Rules struct {
		DangerPatterns []DangerRule `yaml:"danger_patterns"`
	} `yaml:"rules"`
}

// LoadRules merges additional patterns from a YAML file into the
// classifier's tables. Rules at level "blocked" join the non-overridable
// set; "dangerous" and "moderate" join theirs. "safe" levels are refused:
// the allow-list only widens through scope policy, never through pattern
// files.
func (c *Classifier) LoadRules(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("classify: read rules file: %w", err)
	}

	var file RulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("classify: parse rules file: %w", err)
	}

	for _, dr := range file.Rules.DangerPatterns {
		re, err := regexp.Compile(`(?i)` + dr.Pattern)
		if err != nil {
			return fmt.Errorf("classify: compile rule %q: %w", dr.Pattern, err)
		}
		level, err := ParseRisk(dr.Level)
		if err != nil {
			return err
		}
		r := rule{re: re, message: dr.Message}
		switch level {
		case RiskBlocked:
			c.blocked = append(c.blocked, r)
		case RiskDangerous:
			c.dangerous = append(c.dangerous, r)
		case RiskModerate:
			c.moderate = append(c.moderate, r)
		default:
			return fmt.Errorf("classify: rule %q: level %q cannot be added via rules file", dr.Pattern, dr.Level)
		}
	}
	return nil
}
