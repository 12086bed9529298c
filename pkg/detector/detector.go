package detector

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule maps an ecosystem marker to the command that installs dependencies
// and runs its test suite. A rule matches when any of its Markers (glob
// patterns relative to the workspace root) matches at least one file.
type Rule struct {
	Name    string   `yaml:"name"`
	Markers []string `yaml:"markers"`
	Command string   `yaml:"command"`
}

// RuleSet is an ordered rule table plus the command used when nothing
// matches. The first matching rule wins.
type RuleSet struct {
	Rules    []Rule `yaml:"rules"`
	Fallback string `yaml:"fallback"`
}

// FallbackName is reported when no rule matched.
const FallbackName = "fallback"

// DefaultRuleSet returns the built-in ecosystem table.
func DefaultRuleSet() *RuleSet {
	return &RuleSet{
		Rules: []Rule{
			{
				Name:    "node",
				Markers: []string{"package.json"},
				Command: "npm install --no-audit --no-fund && " +
					"(npx playwright test || npm test || npx jest || npx vitest run || npx mocha)",
			},
			{
				Name:    "maven",
				Markers: []string{"pom.xml"},
				Command: "mvn -B test",
			},
			{
				Name:    "gradle",
				Markers: []string{"build.gradle", "build.gradle.kts"},
				Command: "gradle test",
			},
			{
				Name:    "go",
				Markers: []string{"go.mod"},
				Command: "go test ./...",
			},
			{
				Name:    "python",
				Markers: []string{"requirements.txt"},
				Command: "pip install -r requirements.txt && " +
					"(pytest || python -m pytest || python -m unittest discover)",
			},
			{
				Name:    "dotnet",
				Markers: []string{"*.csproj", "*.sln"},
				Command: "dotnet test",
			},
		},
		Fallback: "npx playwright test || npm test || pytest || go test ./... || " +
			"mvn -B test || gradle test || dotnet test || true",
	}
}

// LoadRuleSet reads a YAML rule table from path.
func LoadRuleSet(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading detector rules: %w", err)
	}

	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parsing detector rules: %w", err)
	}

	if err := rs.Validate(); err != nil {
		return nil, err
	}

	return &rs, nil
}

// Validate checks that every rule is usable.
func (rs *RuleSet) Validate() error {
	if strings.TrimSpace(rs.Fallback) == "" {
		return fmt.Errorf("detector rules: fallback command is required")
	}

	for i, r := range rs.Rules {
		if r.Name == "" {
			return fmt.Errorf("detector rule %d: name is required", i)
		}

		if len(r.Markers) == 0 {
			return fmt.Errorf("detector rule %q: at least one marker is required", r.Name)
		}

		for _, m := range r.Markers {
			if _, err := filepath.Match(m, ""); err != nil {
				return fmt.Errorf("detector rule %q: bad marker %q: %w", r.Name, m, err)
			}
		}

		if strings.TrimSpace(r.Command) == "" {
			return fmt.Errorf("detector rule %q: command is required", r.Name)
		}
	}

	return nil
}

// Detect returns the name and command of the first rule whose markers match
// a file in root, or the fallback.
func (rs *RuleSet) Detect(root string) (string, string) {
	for _, r := range rs.Rules {
		if r.matches(root) {
			return r.Name, r.Command
		}
	}

	return FallbackName, rs.Fallback
}

func (r *Rule) matches(root string) bool {
	for _, marker := range r.Markers {
		matches, err := filepath.Glob(filepath.Join(root, marker))
		if err != nil {
			continue
		}

		for _, m := range matches {
			if info, err := os.Stat(m); err == nil && !info.IsDir() {
				return true
			}
		}
	}

	return false
}
