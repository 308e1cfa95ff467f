// Package rules selects the target platform for an inbound message by
// matching delivery rules against instance, chat name and @-mentions.
package rules

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/zj591227045/WXAUTO-MGT-sub001/internal/store"
	"github.com/zj591227045/WXAUTO-MGT-sub001/internal/wxmsg"
)

// Wildcard matches every instance or chat.
const Wildcard = "*"

// RegexPrefix marks a chat pattern as a regular expression.
const RegexPrefix = "regex:"

// Engine evaluates delivery rules in a fixed order: priority descending,
// rule id ascending. The first match wins, so the outcome is the same no
// matter which worker evaluates.
type Engine struct {
	log *slog.Logger

	mu      sync.RWMutex
	rules   []*store.Rule
	regexes map[int64]*regexp.Regexp
}

// NewEngine builds an empty engine; call Load before matching.
func NewEngine(log *slog.Logger) *Engine {
	return &Engine{
		log:     log.With("component", "rules"),
		regexes: make(map[int64]*regexp.Regexp),
	}
}

// Load replaces the rule set. Disabled rules are dropped here. A rule
// whose regex pattern does not compile is skipped with a log line; the
// remaining rules keep working.
func (e *Engine) Load(rules []*store.Rule) {
	active := make([]*store.Rule, 0, len(rules))
	regexes := make(map[int64]*regexp.Regexp)

	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if pattern, ok := strings.CutPrefix(r.ChatPattern, RegexPrefix); ok {
			re, err := regexp.Compile(pattern)
			if err != nil {
				e.log.Warn("rule has invalid chat pattern, skipping",
					"rule_id", r.RuleID,
					"name", r.Name,
					"pattern", r.ChatPattern,
					"error", err)
				continue
			}
			regexes[r.RuleID] = re
		}
		active = append(active, r)
	}

	sort.SliceStable(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority > active[j].Priority
		}
		return active[i].RuleID < active[j].RuleID
	})

	e.mu.Lock()
	e.rules = active
	e.regexes = regexes
	e.mu.Unlock()

	e.log.Info("rules loaded", "count", len(active))
}

// Match returns the winning rule for a message, or nil when no rule
// applies. The caller reads platform_id and reply_at_sender off the rule.
func (e *Engine) Match(instanceID, chatName, content string) *store.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, r := range e.rules {
		if r.InstanceID != Wildcard && r.InstanceID != instanceID {
			continue
		}
		if !e.chatMatches(r, chatName) {
			continue
		}
		if r.OnlyAtMessages && !wxmsg.MentionsName(content, r.AtName) {
			continue
		}
		return r
	}
	return nil
}

// MatchIgnoringMention returns the rule that would win if the @-mention
// requirement were waived. Lets the pipeline tell "no rule configured"
// apart from "rule wants an @ that is not there".
func (e *Engine) MatchIgnoringMention(instanceID, chatName string) *store.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, r := range e.rules {
		if r.InstanceID != Wildcard && r.InstanceID != instanceID {
			continue
		}
		if e.chatMatches(r, chatName) {
			return r
		}
	}
	return nil
}

// Count returns the number of loaded rules.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

func (e *Engine) chatMatches(r *store.Rule, chatName string) bool {
	switch {
	case r.ChatPattern == Wildcard:
		return true
	case strings.HasPrefix(r.ChatPattern, RegexPrefix):
		re, ok := e.regexes[r.RuleID]
		return ok && re.MatchString(chatName)
	default:
		return r.ChatPattern == chatName
	}
}
