// Package prompt assembles the final message sequence sent to the
// model: one system message carrying the persona and any retrieved
// context, followed by the live window in chronological order, all
// fitted inside a token budget.
package prompt

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hession/vox/internal/chat"
	"github.com/hession/vox/internal/retrieval"
	"github.com/hession/vox/internal/token"
)

// ErrPromptOverflow means the prompt cannot fit the budget even after
// dropping every droppable part. The caller should not send anything.
var ErrPromptOverflow = errors.New("prompt exceeds token budget")

const (
	contextHeader  = "[Retrieved Context:]"
	contextFooter  = "[End Context]"
	maxFragmentLen = 200
)

// Assemble builds the prompt. Fragments are folded into the system
// message oldest first so retrieved memories read chronologically.
// If the result exceeds budget tokens, fragments are dropped lowest
// score first, then the oldest window messages; the system message
// and the final window message (the turn being answered) are never
// dropped.
func Assemble(systemPrompt string, fragments []retrieval.Fragment, window []chat.Message, budget int) ([]chat.Message, error) {
	if len(window) == 0 {
		return nil, fmt.Errorf("cannot assemble prompt with empty window")
	}

	frags := append([]retrieval.Fragment(nil), fragments...)
	win := append([]chat.Message(nil), window...)

	for {
		msgs := build(systemPrompt, frags, win)
		if token.EstimateWindow(msgs) <= budget {
			return msgs, nil
		}

		// Drop the lowest-scored fragment first.
		if len(frags) > 0 {
			lowest := 0
			for i, f := range frags {
				if f.Score < frags[lowest].Score {
					lowest = i
				}
			}
			frags = append(frags[:lowest], frags[lowest+1:]...)
			continue
		}

		// Then the oldest window message, keeping the final one.
		if len(win) > 1 {
			win = win[1:]
			continue
		}

		return nil, ErrPromptOverflow
	}
}

// build renders the system message and appends the window.
func build(systemPrompt string, fragments []retrieval.Fragment, window []chat.Message) []chat.Message {
	var sb strings.Builder
	sb.WriteString(systemPrompt)

	if len(fragments) > 0 {
		ordered := append([]retrieval.Fragment(nil), fragments...)
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

		sb.WriteString("\n\n")
		sb.WriteString(contextHeader)
		sb.WriteString("\n")
		for _, f := range ordered {
			content := f.Content
			if runes := []rune(content); len(runes) > maxFragmentLen {
				content = string(runes[:maxFragmentLen])
			}
			sb.WriteString(fmt.Sprintf("- %s: %s\n", f.Role, content))
		}
		sb.WriteString(contextFooter)
	}

	msgs := make([]chat.Message, 0, len(window)+1)
	msgs = append(msgs, chat.Message{Role: chat.RoleSystem, Content: sb.String()})
	msgs = append(msgs, window...)
	return msgs
}
