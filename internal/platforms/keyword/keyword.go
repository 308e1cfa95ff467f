// Package keyword implements the declarative keyword autoresponder
// platform. Rules pair trigger keywords with canned replies; matching is
// exact, substring or fuzzy, and replies are delayed by a random interval
// to read less mechanical. No network I/O.
package keyword

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/zj591227045/WXAUTO-MGT-sub001/pkg/platform"
)

// Kind is the registry name of this platform type.
const Kind = "keyword"

func init() {
	if err := platform.Register(Kind, func() platform.Platform { return &Platform{} }); err != nil {
		panic(err)
	}
}

// Match types accepted in rule config.
const (
	MatchExact    = "exact"
	MatchContains = "contains"
	MatchFuzzy    = "fuzzy"
)

// fuzzyThreshold is the minimum similarity for a fuzzy keyword match.
const fuzzyThreshold = 0.8

// Rule is one keyword -> replies mapping.
type Rule struct {
	Keywords      []string `json:"keywords"`
	MatchType     string   `json:"match_type"`
	Replies       []string `json:"replies"`
	IsRandomReply bool     `json:"is_random_reply"`

	// Per-rule reply delay overrides, in seconds. Zero falls back to the
	// platform-level values.
	MinReplyTime float64 `json:"min_reply_time"`
	MaxReplyTime float64 `json:"max_reply_time"`
}

type config struct {
	Rules           []Rule  `json:"rules"`
	MinReplyTime    float64 `json:"min_reply_time"`
	MaxReplyTime    float64 `json:"max_reply_time"`
	MessageSendMode string  `json:"message_send_mode"`
}

// Platform answers messages from a static keyword rule list.
type Platform struct {
	id   string
	name string
	cfg  config
	mode platform.SendMode

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// ID returns the stable platform id.
func (p *Platform) ID() string { return p.id }

// Name returns the human-readable platform name.
func (p *Platform) Name() string { return p.name }

// Kind returns "keyword".
func (p *Platform) Kind() string { return Kind }

// SendMode reports how replies are sent.
func (p *Platform) SendMode() platform.SendMode { return p.mode }

// Init parses the rule list. A rule without keywords or replies is a
// config error and disables the platform.
func (p *Platform) Init(cfg *platform.Config) error {
	p.id = cfg.ID
	p.name = cfg.Name

	if err := json.Unmarshal(cfg.Raw, &p.cfg); err != nil {
		return fmt.Errorf("parse keyword config: %w", err)
	}
	for i, r := range p.cfg.Rules {
		if len(r.Keywords) == 0 {
			return fmt.Errorf("keyword rule %d has no keywords", i)
		}
		if len(r.Replies) == 0 {
			return fmt.Errorf("keyword rule %d has no replies", i)
		}
		switch r.MatchType {
		case MatchExact, MatchContains, MatchFuzzy:
		case "":
			p.cfg.Rules[i].MatchType = MatchContains
		default:
			return fmt.Errorf("keyword rule %d has unknown match_type %q", i, r.MatchType)
		}
	}

	p.mode = platform.ParseSendMode(p.cfg.MessageSendMode)
	p.sleep = sleepCtx
	return nil
}

// TestConnection always succeeds; there is no upstream.
func (p *Platform) TestConnection(ctx context.Context) error { return nil }

// Cleanup releases nothing.
func (p *Platform) Cleanup() error { return nil }

// Process matches the message against the rule list. The first matching
// rule wins. A miss is a declined reply, not an error.
func (p *Platform) Process(ctx context.Context, msg *platform.Message) (*platform.Result, error) {
	content := strings.TrimSpace(msg.Content)

	for _, r := range p.cfg.Rules {
		if !ruleMatches(&r, content) {
			continue
		}

		reply := r.Replies[0]
		if r.IsRandomReply && len(r.Replies) > 1 {
			reply = r.Replies[rand.Intn(len(r.Replies))]
		}

		if delay := p.replyDelay(&r); delay > 0 {
			if err := p.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		return &platform.Result{
			Content:     reply,
			ShouldReply: true,
		}, nil
	}

	return &platform.Result{
		ShouldReply:   false,
		DeclineReason: "no_keyword_match",
	}, nil
}

func ruleMatches(r *Rule, content string) bool {
	for _, kw := range r.Keywords {
		if kw == "" {
			continue
		}
		switch r.MatchType {
		case MatchExact:
			if content == kw {
				return true
			}
		case MatchContains:
			if strings.Contains(content, kw) {
				return true
			}
		case MatchFuzzy:
			if Similarity(strings.ToLower(content), strings.ToLower(kw)) >= fuzzyThreshold {
				return true
			}
		}
	}
	return false
}

// replyDelay picks a uniform random duration between the rule's (or the
// platform's) min and max reply time.
func (p *Platform) replyDelay(r *Rule) time.Duration {
	min, max := r.MinReplyTime, r.MaxReplyTime
	if min == 0 && max == 0 {
		min, max = p.cfg.MinReplyTime, p.cfg.MaxReplyTime
	}
	if max < min {
		max = min
	}
	if max <= 0 {
		return 0
	}
	secs := min + rand.Float64()*(max-min)
	return time.Duration(secs * float64(time.Second))
}

// Similarity returns a sequence similarity ratio in [0, 1] based on edit
// distance over runes. Equal strings score 1; disjoint strings score 0.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}

	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min3(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}

	dist := prev[len(rb)]
	longer := len(ra)
	if len(rb) > longer {
		longer = len(rb)
	}
	return 1 - float64(dist)/float64(longer)
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
