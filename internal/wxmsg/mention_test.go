package wxmsg

import (
	"reflect"
	"testing"
)

func TestMentionTokens(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"no mentions here", nil},
		{"@bot hello", []string{"bot"}},
		{"@bot hello", []string{"bot"}},
		{"hi @Alice and @Bob", []string{"Alice", "Bob"}},
		{"mail me at a@b.com", []string{"b.com"}},
		{"", nil},
	}

	for _, tt := range tests {
		got := MentionTokens(tt.input)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("MentionTokens(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestMentionsName(t *testing.T) {
	tests := []struct {
		text string
		name string
		want bool
	}{
		{"@bot hello", "bot", true},
		{"@bottle hello", "bot", false},
		{"hello @bot", "bot", true},
		{"@Bot hello", "bot", false},
		{"@机器人 在吗", "机器人", true},
		{"@bot hello", "", false},
		{"no at", "bot", false},
	}

	for _, tt := range tests {
		if got := MentionsName(tt.text, tt.name); got != tt.want {
			t.Errorf("MentionsName(%q, %q) = %v, want %v", tt.text, tt.name, got, tt.want)
		}
	}
}

func TestPrependAt(t *testing.T) {
	if got := PrependAt("bob", "done"); got != "@bob done" {
		t.Errorf("PrependAt: %q", got)
	}
}

func TestStripMention(t *testing.T) {
	tests := []struct {
		text string
		name string
		want string
	}{
		{"@bot hello", "bot", "hello"},
		{"@bot hello there", "bot", "hello there"},
		{"hello @bot there", "bot", "hello there"},
		{"@bottle hello", "bot", "@bottle hello"},
		{"@bot @bot hi", "bot", "hi"},
		{"plain", "bot", "plain"},
		{"@bot hi", "", "@bot hi"},
	}

	for _, tt := range tests {
		if got := StripMention(tt.text, tt.name); got != tt.want {
			t.Errorf("StripMention(%q, %q) = %q, want %q", tt.text, tt.name, got, tt.want)
		}
	}
}
