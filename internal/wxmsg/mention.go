package wxmsg

import (
	"regexp"
	"strings"
)

// WeChat @mention format: "@nickname" terminated by whitespace or the
// U+2005 four-per-em space the client inserts after a picked mention.

var mentionRE = regexp.MustCompile(`@([^\s@\x{2005}]+)`)

// MentionTokens extracts the mentioned names from a message body, in order.
func MentionTokens(text string) []string {
	if !strings.Contains(text, "@") {
		return nil
	}
	matches := mentionRE.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	tokens := make([]string, 0, len(matches))
	for _, m := range matches {
		tokens = append(tokens, m[1])
	}
	return tokens
}

// MentionsName reports whether the body mentions name as a whole token,
// case-sensitively. "@bot hi" mentions "bot"; "@bottle hi" does not.
func MentionsName(text, name string) bool {
	if name == "" {
		return false
	}
	for _, tok := range MentionTokens(text) {
		if tok == name {
			return true
		}
	}
	return false
}

// PrependAt prefixes a reply with an @-mention of the original sender.
func PrependAt(sender, text string) string {
	return "@" + sender + " " + text
}

// StripMention removes the first whole-token mention of name from the body,
// collapsing the surrounding whitespace. Used when forwarding an @-triggered
// message to a platform that should not see the trigger token.
func StripMention(text, name string) string {
	if name == "" {
		return text
	}
	out := mentionRE.ReplaceAllStringFunc(text, func(m string) string {
		if strings.TrimPrefix(m, "@") == name {
			return ""
		}
		return m
	})
	out = strings.ReplaceAll(out, " ", " ")
	return strings.TrimSpace(strings.Join(strings.Fields(out), " "))
}
