package permission

import (
	"regexp"
	"strings"
	"sync"
)

// Config builds an Evaluator.
type Config struct {
	// Rules are scanned in declaration order; first match wins.
	Rules []Rule
	// Default is returned when no rule matches. Empty means ask.
	Default Action
}

// Evaluator resolves gated requests against static rules and a
// session-scoped decision cache. Evaluation is deterministic and
// side-effect-free; only Remember mutates the cache.
type Evaluator struct {
	rules []Rule
	def   Action

	mu    sync.Mutex
	cache []Rule
}

// NewEvaluator creates an evaluator over an immutable rule list.
func NewEvaluator(cfg Config) *Evaluator {
	def := cfg.Default
	if def != ActionAllow && def != ActionDeny {
		def = ActionAsk
	}
	rules := make([]Rule, len(cfg.Rules))
	copy(rules, cfg.Rules)
	return &Evaluator{rules: rules, def: def}
}

// Evaluate resolves (kind, subject): cached session decisions first, then
// static rules in declaration order, then the configured default.
func (e *Evaluator) Evaluate(kind, subject string) Action {
	e.mu.Lock()
	cached := make([]Rule, len(e.cache))
	copy(cached, e.cache)
	e.mu.Unlock()

	// Latest user decision wins within the cache.
	for i := len(cached) - 1; i >= 0; i-- {
		if ruleMatches(cached[i], kind, subject) {
			return cached[i].Action
		}
	}
	for _, rule := range e.rules {
		if ruleMatches(rule, kind, subject) {
			return rule.Action
		}
	}
	return e.def
}

// Remember memoizes a user decision for the rest of the session.
func (e *Evaluator) Remember(kind, pattern string, action Action) {
	if kind == "" || pattern == "" {
		return
	}
	if action != ActionAllow && action != ActionDeny {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = append(e.cache, Rule{Kind: kind, Pattern: pattern, Action: action})
}

// Remembered returns a snapshot of the session decision cache.
func (e *Evaluator) Remembered() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Rule, len(e.cache))
	copy(out, e.cache)
	return out
}

// ClearRemembered drops all session decisions. Called when a session ends.
func (e *Evaluator) ClearRemembered() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = nil
}

// Rules returns the static rule list.
func (e *Evaluator) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

func ruleMatches(rule Rule, kind, subject string) bool {
	return globMatch(rule.Kind, kind) && globMatch(rule.Pattern, subject)
}

// globMatch implements flat fnmatch-style wildcards: `*` matches any run
// of characters including path separators, `?` matches one character.
// Case-sensitive. Subjects here are command lines and file paths, so `/`
// must not terminate a `*` the way path-style matchers treat it.
func globMatch(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if pattern == value {
		return true
	}
	re, err := globRegexp(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

func globRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
