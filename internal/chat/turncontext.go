// ABOUTME: Working set for one turn: content blocks, tool bookkeeping, and pending results
// ABOUTME: Shared by the relay (writer) and the question gate (reader) under a mutex

package chat

import (
	"strings"
	"sync"

	"github.com/2389/coven-chat/internal/store"
)

// TurnContext accumulates the assistant output of a single turn
type TurnContext struct {
	mu        sync.Mutex
	blocks    []store.ContentBlock
	open      strings.Builder // text not yet flushed into a block
	full      strings.Builder
	toolOrder []string
	toolNames map[string]string
	completed map[string]bool
	results   map[string]store.ContentBlock
}

func newTurnContext() *TurnContext {
	return &TurnContext{
		toolNames: make(map[string]string),
		completed: make(map[string]bool),
		results:   make(map[string]store.ContentBlock),
	}
}

// appendText adds a streamed text fragment
func (tc *TurnContext) appendText(text string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.open.WriteString(text)
	tc.full.WriteString(text)
}

// flushText closes the open text accumulator into a text block
func (tc *TurnContext) flushText() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.flushLocked()
}

func (tc *TurnContext) flushLocked() {
	if tc.open.Len() == 0 {
		return
	}
	tc.blocks = append(tc.blocks, store.ContentBlock{Type: store.BlockText, Text: tc.open.String()})
	tc.open.Reset()
}

// recordToolUse notes a tool invocation. When asBlock is false only the
// id to name mapping is kept.
func (tc *TurnContext) recordToolUse(id, name string, input map[string]any, asBlock bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.flushLocked()
	if _, seen := tc.toolNames[id]; !seen {
		tc.toolOrder = append(tc.toolOrder, id)
	}
	tc.toolNames[id] = name
	if asBlock {
		tc.blocks = append(tc.blocks, store.ContentBlock{Type: store.BlockToolUse, ID: id, Name: name, Input: input})
	}
}

// recordToolResult stores a result for splicing and marks its tool completed
func (tc *TurnContext) recordToolResult(toolUseID, content string, isError bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.completed[toolUseID] = true
	tc.results[toolUseID] = store.ContentBlock{
		Type:      store.BlockToolResult,
		ToolUseID: toolUseID,
		Content:   content,
		IsError:   isError,
	}
}

// latestUncompleted returns the most recently seen tool_use ID for name that
// has no result yet, or "".
func (tc *TurnContext) latestUncompleted(name string) string {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for i := len(tc.toolOrder) - 1; i >= 0; i-- {
		id := tc.toolOrder[i]
		if tc.toolNames[id] == name && !tc.completed[id] {
			return id
		}
	}
	return ""
}

// text returns the full response text
func (tc *TurnContext) text() string {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.full.String()
}

// assemble flushes open text and returns the blocks with each tool_use
// immediately followed by its result when one arrived.
func (tc *TurnContext) assemble() []store.ContentBlock {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.flushLocked()

	out := make([]store.ContentBlock, 0, len(tc.blocks)+len(tc.results))
	for _, b := range tc.blocks {
		out = append(out, b)
		if b.Type != store.BlockToolUse {
			continue
		}
		if r, ok := tc.results[b.ID]; ok {
			out = append(out, r)
		}
	}
	return out
}
