package prompt

import (
	"errors"
	"strings"
	"testing"

	"github.com/hession/vox/internal/chat"
	"github.com/hession/vox/internal/retrieval"
	"github.com/hession/vox/internal/token"
)

func window(n int) []chat.Message {
	msgs := make([]chat.Message, 0, n)
	for i := 0; i < n; i++ {
		role := chat.RoleUser
		if i%2 == 1 {
			role = chat.RoleAssistant
		}
		msgs = append(msgs, chat.NewMessage(int64(i+1), role, "window message content"))
	}
	return msgs
}

func TestAssembleBasicShape(t *testing.T) {
	frags := []retrieval.Fragment{
		{Seq: 2, Role: chat.RoleAssistant, Content: "the gate opens at dawn", Score: 0.8},
		{Seq: 1, Role: chat.RoleUser, Content: "when does the gate open", Score: 0.9},
	}
	win := window(4)

	msgs, err := Assemble("You are a helpful guide.", frags, win, 100000)
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}

	if msgs[0].Role != chat.RoleSystem {
		t.Fatal("first message must be the system message")
	}
	sys := msgs[0].Content
	if !strings.HasPrefix(sys, "You are a helpful guide.") {
		t.Error("system prompt should lead the system message")
	}
	if !strings.Contains(sys, "[Retrieved Context:]") || !strings.Contains(sys, "[End Context]") {
		t.Error("retrieved context block missing")
	}
	// Fragments render oldest first regardless of score.
	if strings.Index(sys, "when does the gate open") > strings.Index(sys, "the gate opens at dawn") {
		t.Error("fragments should appear in chronological order")
	}

	if len(msgs) != len(win)+1 {
		t.Fatalf("expected %d messages, got %d", len(win)+1, len(msgs))
	}
	if msgs[len(msgs)-1].Seq != win[len(win)-1].Seq {
		t.Error("final prompt message must be the final window message")
	}
}

func TestAssembleWithoutFragments(t *testing.T) {
	msgs, err := Assemble("persona", nil, window(2), 100000)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(msgs[0].Content, "[Retrieved Context:]") {
		t.Error("no context block expected without fragments")
	}
}

func TestLongFragmentTruncated(t *testing.T) {
	long := strings.Repeat("x", 500)
	frags := []retrieval.Fragment{{Seq: 1, Role: chat.RoleUser, Content: long, Score: 1}}

	msgs, err := Assemble("persona", frags, window(2), 100000)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(msgs[0].Content, strings.Repeat("x", 201)) {
		t.Error("fragment content should be capped at 200 characters")
	}
	if !strings.Contains(msgs[0].Content, strings.Repeat("x", 200)) {
		t.Error("truncated fragment should keep its first 200 characters")
	}
}

func TestOverBudgetDropsFragmentsFirst(t *testing.T) {
	frags := []retrieval.Fragment{
		{Seq: 1, Role: chat.RoleUser, Content: strings.Repeat("low scored filler ", 10), Score: 0.2},
		{Seq: 2, Role: chat.RoleUser, Content: "keep this high scored one", Score: 0.9},
	}
	win := window(4)

	// Budget fits the window plus roughly one fragment.
	base, err := Assemble("p", nil, win, 1000000)
	if err != nil {
		t.Fatal(err)
	}
	budget := token.EstimateWindow(base) + 30

	msgs, err := Assemble("p", frags, win, budget)
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}
	if token.EstimateWindow(msgs) > budget {
		t.Errorf("prompt cost %d exceeds budget %d", token.EstimateWindow(msgs), budget)
	}
	if strings.Contains(msgs[0].Content, "low scored filler") {
		t.Error("lowest scored fragment should have been dropped first")
	}
	if !strings.Contains(msgs[0].Content, "keep this high scored one") {
		t.Error("high scored fragment should survive")
	}
	if len(msgs) != len(win)+1 {
		t.Errorf("window should be intact, got %d messages", len(msgs))
	}
}

func TestOverBudgetDropsOldestWindowNext(t *testing.T) {
	win := window(6)

	// Budget that fits the system message plus only the last few
	// window messages.
	perMsg := token.EstimateMessage(win[0])
	budget := token.EstimateMessage(chat.Message{Role: chat.RoleSystem, Content: "p"}) + perMsg*3

	msgs, err := Assemble("p", nil, win, budget)
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}
	if token.EstimateWindow(msgs) > budget {
		t.Errorf("prompt cost %d exceeds budget %d", token.EstimateWindow(msgs), budget)
	}
	if msgs[len(msgs)-1].Seq != 6 {
		t.Error("final window message must survive trimming")
	}
	// Oldest messages go first.
	if msgs[1].Seq == 1 {
		t.Error("oldest window message should have been dropped")
	}
}

func TestPromptOverflow(t *testing.T) {
	win := []chat.Message{chat.NewMessage(1, chat.RoleUser, strings.Repeat("huge ", 200))}

	_, err := Assemble("p", nil, win, 10)
	if !errors.Is(err, ErrPromptOverflow) {
		t.Fatalf("expected ErrPromptOverflow, got %v", err)
	}
}

func TestEmptyWindowRejected(t *testing.T) {
	if _, err := Assemble("p", nil, nil, 1000); err == nil {
		t.Fatal("expected error for empty window")
	}
}
