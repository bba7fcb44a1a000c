// Package rules holds the per-source extraction rules and their
// hot-reloadable store.
package rules

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChapterOrder declares how a source page lists its chapters.
type ChapterOrder string

// Chapter orderings.
const (
	OrderAsc  ChapterOrder = "asc"
	OrderDesc ChapterOrder = "desc"
)

// Rule is the compiled extraction rule for one source host.
type Rule struct {
	Host            string
	ChapterSelector string
	NumberAttr      string
	NumberFromURL   *regexp.Regexp
	NumberFromText  *regexp.Regexp
	ImageSelector   string
	ImageAttr       string
	ImageFallbacks  []string
	Order           ChapterOrder
}

// rawRule is the YAML shape, one entry per source host.
type rawRule struct {
	ChapterSelector   string   `yaml:"chapter_selector"`
	NumberAttr        string   `yaml:"number_attr"`
	NumberURLPattern  string   `yaml:"number_url_pattern"`
	NumberTextPattern string   `yaml:"number_text_pattern"`
	ImageSelector     string   `yaml:"image_selector"`
	ImageAttr         string   `yaml:"image_attr"`
	ImageFallbacks    []string `yaml:"image_fallback_attrs"`
	ChapterOrder      string   `yaml:"chapter_order"`
}

// Set is an immutable snapshot of all rules keyed by host.
type Set struct {
	rules map[string]*Rule
}

// Parse decodes and compiles a rule file.
func Parse(data []byte) (*Set, error) {
	raw := map[string]rawRule{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode rule file: %w", err)
	}

	rules := make(map[string]*Rule, len(raw))
	for host, r := range raw {
		rule, err := compile(host, r)
		if err != nil {
			return nil, err
		}
		rules[strings.ToLower(host)] = rule
	}
	return &Set{rules: rules}, nil
}

// ParseFile reads and parses the rule file at path.
func ParseFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	return Parse(data)
}

func compile(host string, r rawRule) (*Rule, error) {
	if r.ChapterSelector == "" {
		return nil, fmt.Errorf("rule %q: chapter_selector is required", host)
	}
	if r.ImageSelector == "" {
		return nil, fmt.Errorf("rule %q: image_selector is required", host)
	}
	if r.ImageAttr == "" {
		return nil, fmt.Errorf("rule %q: image_attr is required", host)
	}
	if r.NumberAttr == "" && r.NumberURLPattern == "" && r.NumberTextPattern == "" {
		return nil, fmt.Errorf("rule %q: at least one chapter number strategy is required", host)
	}

	order := ChapterOrder(r.ChapterOrder)
	switch order {
	case OrderAsc, OrderDesc:
	case "":
		order = OrderDesc
	default:
		return nil, fmt.Errorf("rule %q: chapter_order must be asc or desc, got %q", host, r.ChapterOrder)
	}

	rule := &Rule{
		Host:            strings.ToLower(host),
		ChapterSelector: r.ChapterSelector,
		NumberAttr:      r.NumberAttr,
		ImageSelector:   r.ImageSelector,
		ImageAttr:       r.ImageAttr,
		ImageFallbacks:  append([]string(nil), r.ImageFallbacks...),
		Order:           order,
	}

	var err error
	if r.NumberURLPattern != "" {
		if rule.NumberFromURL, err = regexp.Compile(r.NumberURLPattern); err != nil {
			return nil, fmt.Errorf("rule %q: number_url_pattern: %w", host, err)
		}
	}
	if r.NumberTextPattern != "" {
		if rule.NumberFromText, err = regexp.Compile(r.NumberTextPattern); err != nil {
			return nil, fmt.Errorf("rule %q: number_text_pattern: %w", host, err)
		}
	}
	return rule, nil
}

// ForHost returns the rule for a host, if any.
func (s *Set) ForHost(host string) (*Rule, bool) {
	r, ok := s.rules[strings.ToLower(host)]
	return r, ok
}

// ForURL resolves the rule keyed by the URL's host.
func (s *Set) ForURL(rawURL string) (*Rule, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse source url: %w", err)
	}
	r, ok := s.ForHost(u.Hostname())
	if !ok {
		return nil, fmt.Errorf("no extraction rule for host %q", u.Hostname())
	}
	return r, nil
}

// Len reports how many hosts the snapshot covers.
func (s *Set) Len() int { return len(s.rules) }
