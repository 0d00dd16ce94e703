package blocking

import "strings"

const (
	KindWebsite     = "website"
	KindApplication = "application"

	ModeBlock = "block"
	ModeAllow = "allow"
)

// Rule is one blocking rule as the server sends it.
type Rule struct {
	ID      string `json:"id"`
	Kind    string `json:"type"`
	Pattern string `json:"pattern"`
	Mode    string `json:"mode"`
	Active  bool   `json:"active"`
}

// Blocks reports whether the rule is an active block rule.
func (r Rule) Blocks() bool {
	return r.Active && r.Mode == ModeBlock
}

// partition splits rules by kind. Rules of unknown kind are dropped.
func partition(rules []Rule) (websites, apps []Rule) {
	websites, apps = []Rule{}, []Rule{}
	for _, r := range rules {
		switch r.Kind {
		case KindWebsite:
			websites = append(websites, r)
		case KindApplication:
			apps = append(apps, r)
		}
	}
	return websites, apps
}

// blockedPatterns returns the lowercased patterns of every active block
// rule, without duplicates.
func blockedPatterns(rules []Rule) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range rules {
		if !r.Blocks() {
			continue
		}
		p := strings.ToLower(r.Pattern)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// matchPattern reports the first pattern contained in name, compared
// case-insensitively. Substring matching is deliberate: "app" matches
// "myapp2.exe".
func matchPattern(name string, patterns []string) (string, bool) {
	lname := strings.ToLower(name)
	for _, p := range patterns {
		if strings.Contains(lname, p) {
			return p, true
		}
	}
	return "", false
}
