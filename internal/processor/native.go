package processor

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/HyphaGroup/runloom/internal/conversation"
	"github.com/HyphaGroup/runloom/internal/llm"
	"github.com/HyphaGroup/runloom/internal/toolcall"
)

// nativeCalls assembles provider tool-call fragments. Fragments are grouped
// by index; a fragment that repeats an id already seen starts a duplicate,
// and everything streamed for that duplicate is ignored.
type nativeCalls struct {
	bufs  []*nativeBuf
	open  map[int]*nativeBuf
	skip  map[int]bool
	ids   map[string]bool
	taken int
}

type nativeBuf struct {
	id   string
	name string
	args strings.Builder
}

// nativeCall is an assembled call; err is set when its arguments could not
// be decoded even after repair
type nativeCall struct {
	call conversation.ToolCall
	err  error
}

func newNativeCalls(known []string) *nativeCalls {
	n := &nativeCalls{
		open: make(map[int]*nativeBuf),
		skip: make(map[int]bool),
		ids:  make(map[string]bool),
	}
	for _, id := range known {
		n.ids[id] = true
	}
	return n
}

func (n *nativeCalls) add(d llm.ToolCallDelta) {
	if d.ID != "" {
		buf := n.open[d.Index]
		switch {
		case buf != nil && buf.id == d.ID && !(d.Name != "" && buf.args.Len() > 0):
			// same call restating its id, keep accumulating
		case n.ids[d.ID]:
			n.skip[d.Index] = true
			return
		default:
			n.skip[d.Index] = false
			buf = &nativeBuf{id: d.ID}
			n.open[d.Index] = buf
			n.bufs = append(n.bufs, buf)
			n.ids[d.ID] = true
		}
	}
	if n.skip[d.Index] {
		return
	}

	buf := n.open[d.Index]
	if buf == nil {
		buf = &nativeBuf{}
		n.open[d.Index] = buf
		n.bufs = append(n.bufs, buf)
	}
	if d.Name != "" {
		buf.name = d.Name
	}
	buf.args.WriteString(d.Arguments)
}

// take returns the calls assembled since the previous take, in the order
// they first appeared
func (n *nativeCalls) take() []nativeCall {
	pending := n.bufs[n.taken:]
	n.taken = len(n.bufs)

	out := make([]nativeCall, 0, len(pending))
	for _, buf := range pending {
		if buf.name == "" {
			continue
		}
		id := buf.id
		if id == "" {
			id = "call_" + uuid.New().String()
		}
		nc := nativeCall{call: conversation.ToolCall{
			ID:     id,
			Name:   buf.name,
			Source: conversation.SourceNative,
			Raw:    buf.args.String(),
		}}
		args, _, err := toolcall.DecodeArguments(buf.args.String())
		if err != nil {
			nc.err = fmt.Errorf("invalid arguments for %s: %w", buf.name, err)
		} else {
			nc.call.Arguments = args
		}
		out = append(out, nc)
	}
	return out
}
