package model

import (
	"iter"
	"strings"
)

// Frame is one decoded upstream streaming event. Choice is nil for frames
// that only report usage counters.
type Frame struct {
	Choice *FrameChoice
	Usage  *Usage
}

// FrameChoice is the delta payload of one frame. Empty strings mean the
// field was absent upstream.
type FrameChoice struct {
	Content      string
	Reasoning    string
	ToolCalls    []ToolCallDelta
	FinishReason FinishReason
}

// Aggregator turns frames into fragments. Each stream owns one aggregator;
// it is not safe for concurrent use.
type Aggregator struct {
	content    strings.Builder
	reasoning  strings.Builder
	usage      Usage
	tools      Assembler
	lastFinish FinishReason
	final      bool
}

// Push consumes one frame and returns the fragment to emit, or nil.
//
// A usage-only frame produces the final fragment the first time one is seen;
// later usage-only frames only refresh the counters. Empty frames are ignored.
func (a *Aggregator) Push(frame *Frame) *Fragment {
	if frame == nil {
		return nil
	}
	if frame.Usage != nil {
		a.usage = *frame.Usage
	}
	if frame.Choice == nil {
		if frame.Usage == nil || a.final {
			return nil
		}
		return a.finalize()
	}
	choice := frame.Choice
	if choice.Content != "" {
		a.content.WriteString(choice.Content)
	}
	if choice.Reasoning != "" {
		a.reasoning.WriteString(choice.Reasoning)
	}
	if choice.FinishReason != "" {
		a.lastFinish = choice.FinishReason
	}
	for _, delta := range choice.ToolCalls {
		a.tools.Ingest(delta)
	}
	return &Fragment{
		Content:      choice.Content,
		Reasoning:    choice.Reasoning,
		ToolCalls:    a.tools.Finalize(),
		Usage:        a.usage,
		FinishReason: choice.FinishReason,
	}
}

// Finish returns the fallback final fragment when the upstream ended without
// a usage-only frame, or nil when the final fragment was already produced.
func (a *Aggregator) Finish() *Fragment {
	if a.final {
		return nil
	}
	return a.finalize()
}

// Completed reports whether the final fragment has been produced.
func (a *Aggregator) Completed() bool {
	return a.final
}

func (a *Aggregator) finalize() *Fragment {
	a.final = true
	finish := a.lastFinish
	if finish == "" {
		finish = FinishStop
	}
	return &Fragment{
		FinalContent:   a.content.String(),
		FinalReasoning: a.reasoning.String(),
		Final:          true,
		ToolCalls:      a.tools.Finalize(),
		Usage:          a.usage,
		FinishReason:   finish,
	}
}

// Aggregate adapts a frame sequence into a fragment sequence. Errors from the
// source are forwarded and end the stream without a final fragment; a consumer
// that stops early likewise never sees one.
func Aggregate(frames iter.Seq2[*Frame, error]) iter.Seq2[*Fragment, error] {
	return func(yield func(*Fragment, error) bool) {
		var agg Aggregator
		for frame, err := range frames {
			if err != nil {
				yield(nil, err)
				return
			}
			if out := agg.Push(frame); out != nil {
				if !yield(out, nil) {
					return
				}
			}
		}
		if out := agg.Finish(); out != nil {
			yield(out, nil)
		}
	}
}
