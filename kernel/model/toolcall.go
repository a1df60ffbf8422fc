package model

import "strings"

// ToolCallDelta is one index-keyed piece of a streamed tool call.
type ToolCallDelta struct {
	Index     int
	ID        string
	NameDelta string
	ArgsDelta string
}

type toolCallSlot struct {
	id   string
	name strings.Builder
	args strings.Builder
}

// Assembler accumulates streamed tool-call pieces into complete calls.
// The zero value is ready to use.
type Assembler struct {
	slots map[int]*toolCallSlot
	order []int
}

// Ingest merges one delta. The id is overwritten when present; name and
// argument text is always appended because providers split both across frames.
func (a *Assembler) Ingest(delta ToolCallDelta) {
	if a.slots == nil {
		a.slots = map[int]*toolCallSlot{}
	}
	slot, ok := a.slots[delta.Index]
	if !ok {
		slot = &toolCallSlot{}
		a.slots[delta.Index] = slot
		a.order = append(a.order, delta.Index)
	}
	if delta.ID != "" {
		slot.id = delta.ID
	}
	slot.name.WriteString(delta.NameDelta)
	slot.args.WriteString(delta.ArgsDelta)
}

// Len returns the number of distinct indices seen so far.
func (a *Assembler) Len() int {
	return len(a.order)
}

// Finalize snapshots the accumulated calls in first-seen order. It does not
// consume state and may be called after every frame.
func (a *Assembler) Finalize() []ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		slot := a.slots[idx]
		out = append(out, ToolCall{
			ID:           slot.id,
			FunctionName: slot.name.String(),
			FunctionArgs: slot.args.String(),
			Kind:         toolCallKindFunction,
		})
	}
	return out
}
