// Package selector resolves the DOM readiness condition a render waits for,
// using an ordered list of per-URL page rules.
package selector

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// DefaultMatcher marks the rule applied when no specific rule matches.
const DefaultMatcher = "*"

// NoWait is the selector value that explicitly disables waiting.
const NoWait = "none"

// ErrInvalidRule is returned by New for a rule that cannot be compiled.
var ErrInvalidRule = errors.New("invalid page rule")

// Rule is one configured page rule. A nil WaitForSelector (JSON null) means no wait.
type Rule struct {
	URL             string  `mapstructure:"url" json:"url" yaml:"url"`
	WaitForSelector *string `mapstructure:"waitForSelector" json:"waitForSelector" yaml:"waitForSelector"`
}

// Decision is the outcome of resolving a URL. An empty Selector means the
// render proceeds as soon as navigation completes.
type Decision struct {
	Selector string
	Matcher  string
	Default  bool
}

// Wait reports whether the decision carries a selector to wait for.
func (d Decision) Wait() bool {
	return d.Selector != ""
}

type compiledRule struct {
	matcher  string
	selector string
	match    matchFunc
}

// Resolver picks the wait selector for a URL. It is immutable after New and
// safe for concurrent use.
type Resolver struct {
	rules      []compiledRule
	def        *compiledRule
	hasDefault bool
}

// New compiles rules in order. Only the first default rule is honoured.
func New(rules []Rule) (*Resolver, error) {
	r := &Resolver{}
	for i, rule := range rules {
		if rule.URL == "" {
			return nil, fmt.Errorf("%w: pages[%d]: url matcher is empty", ErrInvalidRule, i)
		}
		sel := selectorValue(rule.WaitForSelector)
		if rule.URL == DefaultMatcher {
			if !r.hasDefault {
				r.def = &compiledRule{matcher: rule.URL, selector: sel}
				r.hasDefault = true
			}
			continue
		}
		match, err := compileMatcher(rule.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: pages[%d] %q: %w", ErrInvalidRule, i, rule.URL, err)
		}
		r.rules = append(r.rules, compiledRule{matcher: rule.URL, selector: sel, match: match})
	}
	return r, nil
}

// Resolve returns the selector of the first rule matching rawURL, the default
// rule's selector when nothing matches, or no wait at all.
func (r *Resolver) Resolve(rawURL string) Decision {
	if r == nil {
		return Decision{}
	}
	if len(r.rules) > 0 {
		target := newTarget(rawURL)
		for _, rule := range r.rules {
			if rule.match(target) {
				return Decision{Selector: rule.selector, Matcher: rule.matcher}
			}
		}
	}
	if r.hasDefault {
		return Decision{Selector: r.def.selector, Matcher: r.def.matcher, Default: true}
	}
	return Decision{}
}

// Len reports the number of configured rules, the default rule included.
func (r *Resolver) Len() int {
	if r == nil {
		return 0
	}
	n := len(r.rules)
	if r.hasDefault {
		n++
	}
	return n
}

func selectorValue(sel *string) string {
	if sel == nil {
		return ""
	}
	v := strings.TrimSpace(*sel)
	if strings.EqualFold(v, NoWait) {
		return ""
	}
	return v
}

// target carries the request URL and its pre-parsed parts so every matcher
// sees the same view.
type target struct {
	raw        string
	requestURI string
	scheme     string
	host       string
	path       string
	query      string
}

func newTarget(rawURL string) target {
	t := target{raw: rawURL}
	u, err := url.Parse(rawURL)
	if err != nil {
		return t
	}
	t.scheme = u.Scheme
	t.host = u.Host
	t.path = u.Path
	t.query = u.RawQuery
	if u.Host != "" {
		t.requestURI = u.RequestURI()
	}
	return t
}
