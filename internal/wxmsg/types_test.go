package wxmsg

import "testing"

func TestShouldDrop(t *testing.T) {
	tests := []struct {
		name   string
		sender string
		kind   string
		mtype  string
		want   bool
	}{
		{"plain friend", "alice", "friend", "1", false},
		{"self sender", "self", "friend", "1", true},
		{"self sender upper", "Self", "friend", "1", true},
		{"self kind", "alice", "self", "1", true},
		{"time kind", "alice", "time", "1", true},
		{"time kind upper", "alice", "Time", "1", true},
		{"system mtype", "alice", "friend", "10000", true},
		{"revoke mtype", "alice", "friend", "10002", true},
		{"mtype with spaces", "alice", "friend", " 10000 ", true},
		{"group message", "bob", "group", "1", false},
		{"empty everything", "", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldDrop(tt.sender, tt.kind, tt.mtype); got != tt.want {
				t.Errorf("ShouldDrop(%q, %q, %q) = %v, want %v", tt.sender, tt.kind, tt.mtype, got, tt.want)
			}
		})
	}
}

func TestEffectiveSender(t *testing.T) {
	if got := EffectiveSender("wxid_123", "老张"); got != "老张" {
		t.Errorf("remark should win: %q", got)
	}
	if got := EffectiveSender("wxid_123", ""); got != "wxid_123" {
		t.Errorf("fallback to sender: %q", got)
	}
	if got := EffectiveSender("wxid_123", "  "); got != "wxid_123" {
		t.Errorf("blank remark ignored: %q", got)
	}
}

func TestDeriveUserID(t *testing.T) {
	tests := []struct {
		chat   string
		sender string
		remark string
		want   string
	}{
		{"工作群", "bob", "", "工作群==bob"},
		{"工作群", "wxid_9f2", "老张", "工作群==老张"},
		{"alice", "alice", "", "alice"},
		// Private chat: the remark renames the user but must not turn the
		// chat into a group qualifier.
		{"wxid_9f2", "wxid_9f2", "老张", "老张"},
		{"", "alice", "", "alice"},
		{"alice", "", "", ""},
	}

	for _, tt := range tests {
		if got := DeriveUserID(tt.chat, tt.sender, tt.remark); got != tt.want {
			t.Errorf("DeriveUserID(%q, %q, %q) = %q, want %q", tt.chat, tt.sender, tt.remark, got, tt.want)
		}
	}
}

func TestIsGroupMessage(t *testing.T) {
	if !IsGroupMessage("工作群", "bob") {
		t.Error("distinct chat and sender should be a group message")
	}
	if IsGroupMessage("alice", "alice") {
		t.Error("chat == sender is a private chat")
	}
	if IsGroupMessage("", "bob") {
		t.Error("empty chat is not a group message")
	}
}
