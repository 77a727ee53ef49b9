package chat

import "testing"

func TestSplitChannel(t *testing.T) {
	kind, id, err := SplitChannel("event:ev42")
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	if kind != "event" || id != "ev42" {
		t.Errorf("got kind=%q id=%q", kind, id)
	}

	kind, id, err = SplitChannel("chat:abc")
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	if kind != "chat" || id != "abc" {
		t.Errorf("got kind=%q id=%q", kind, id)
	}
}

func TestSplitChannel_UnknownPrefix(t *testing.T) {
	if _, _, err := SplitChannel("room:1"); err == nil {
		t.Error("expected error for unknown prefix")
	}
	if _, _, err := SplitChannel(""); err == nil {
		t.Error("expected error for empty name")
	}
}

func TestSetChannel_FillsIDField(t *testing.T) {
	var m Message
	m.SetChannel(EventChannel("ev1"))
	if m.EventID != "ev1" || m.ChatID != "" {
		t.Errorf("event channel: %+v", m)
	}

	var dm Message
	dm.SetChannel(ChatChannel("c7"))
	if dm.ChatID != "c7" || dm.EventID != "" {
		t.Errorf("chat channel: %+v", dm)
	}
}

func TestNormalizePair_OrderIndependent(t *testing.T) {
	lo1, hi1 := NormalizePair("alice", "bob")
	lo2, hi2 := NormalizePair("bob", "alice")
	if lo1 != lo2 || hi1 != hi2 {
		t.Errorf("pairs differ: (%s,%s) vs (%s,%s)", lo1, hi1, lo2, hi2)
	}
	if lo1 != "alice" || hi1 != "bob" {
		t.Errorf("expected (alice,bob), got (%s,%s)", lo1, hi1)
	}
}

func TestHasReaction(t *testing.T) {
	m := Message{Reactions: []Reaction{
		{Emoji: "👍", UserID: "u1"},
		{Emoji: "🎉", UserID: "u2"},
	}}

	if !m.HasReaction("u1", "👍") {
		t.Error("expected u1 👍 to be present")
	}
	if m.HasReaction("u1", "🎉") {
		t.Error("u1 never sent 🎉")
	}
	if m.HasReaction("u3", "👍") {
		t.Error("u3 never reacted")
	}
}

func TestConversation_Participants(t *testing.T) {
	c := Conversation{ID: "c1", UserA: "alice", UserB: "bob"}

	if !c.HasParticipant("alice") || !c.HasParticipant("bob") {
		t.Error("both parties should be participants")
	}
	if c.HasParticipant("carol") {
		t.Error("carol is not a participant")
	}
	if got := c.OtherParticipant("alice"); got != "bob" {
		t.Errorf("expected bob, got %q", got)
	}
	if got := c.OtherParticipant("carol"); got != "" {
		t.Errorf("expected empty partner for outsider, got %q", got)
	}
}
