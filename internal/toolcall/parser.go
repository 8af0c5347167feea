// Package toolcall extracts tool invocations from model output.
//
// parser.go - tag-delimited markup parser
//
// The model writes calls as:
//
//	<function_calls>
//	<invoke name="search">
//	<parameter name="query">golang</parameter>
//	<parameter name="limit">5</parameter>
//	</invoke>
//	</function_calls>
//
// Only complete <function_calls> blocks are returned. An unterminated block
// at the end of the buffer is left in the residual so a later pass, run on
// a longer buffer, can pick it up.
package toolcall

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/HyphaGroup/runloom/internal/conversation"
)

const (
	blockOpen   = "<function_calls>"
	blockClose  = "</function_calls>"
	invokeOpen  = "<invoke"
	invokeClose = "</invoke>"
	paramOpen   = "<parameter"
	paramClose  = "</parameter>"
)

var (
	ErrMissingName     = errors.New("invoke has no name attribute")
	ErrUnclosedInvoke  = errors.New("invoke is not closed")
	ErrUnclosedParam   = errors.New("parameter is not closed")
	ErrUnterminated    = errors.New("function_calls block is not terminated")
	ErrMalformedOpener = errors.New("malformed tag")
)

// ParsedCall is one complete invocation found in the buffer
type ParsedCall struct {
	Name      string
	Arguments map[string]any
	// Raw is the <invoke> element text
	Raw string
	// Start and End delimit the invoke element in the parsed input
	Start, End int
	// BlockEnd is the offset just after the enclosing </function_calls>
	BlockEnd int
}

// ParseResult is the outcome of one parsing pass
type ParseResult struct {
	Calls []ParsedCall
	// Residual is the input with every complete block removed
	Residual string
	// Consumed is the offset just after the last complete block, 0 if none
	Consumed int
	// Errors lists the invokes that were skipped
	Errors []error
}

// Parse extracts every complete tool-call block from buf, in order.
func Parse(buf string) ParseResult {
	var res ParseResult
	var residual strings.Builder
	pos := 0

	for {
		open := strings.Index(buf[pos:], blockOpen)
		if open < 0 {
			break
		}
		open += pos
		bodyStart := open + len(blockOpen)
		closeIdx := strings.Index(buf[bodyStart:], blockClose)
		if closeIdx < 0 {
			// partial block, wait for more text
			break
		}
		closeIdx += bodyStart
		blockEnd := closeIdx + len(blockClose)

		residual.WriteString(buf[pos:open])
		calls, errs := parseBlock(buf, bodyStart, closeIdx, blockEnd)
		res.Calls = append(res.Calls, calls...)
		res.Errors = append(res.Errors, errs...)
		res.Consumed = blockEnd
		pos = blockEnd
	}

	residual.WriteString(buf[pos:])
	res.Residual = residual.String()
	return res
}

// Finalize is called once the stream has ended. Any unterminated block left
// in residual is dropped; the returned error describes what was discarded.
func Finalize(residual string) (string, error) {
	idx := strings.Index(residual, blockOpen)
	if idx < 0 {
		return residual, nil
	}
	return residual[:idx], fmt.Errorf("%w: dropped %d bytes", ErrUnterminated, len(residual)-idx)
}

// HasOpenBlock reports whether buf contains an opening tag whose block
// has not been closed yet.
func HasOpenBlock(buf string) bool {
	open := strings.LastIndex(buf, blockOpen)
	if open < 0 {
		return false
	}
	return !strings.Contains(buf[open:], blockClose)
}

func parseBlock(buf string, start, end, blockEnd int) ([]ParsedCall, []error) {
	var calls []ParsedCall
	var errs []error
	pos := start

	for pos < end {
		rel := strings.Index(buf[pos:end], invokeOpen)
		if rel < 0 {
			break
		}
		invStart := pos + rel
		tagEnd := strings.IndexByte(buf[invStart:end], '>')
		if tagEnd < 0 {
			errs = append(errs, fmt.Errorf("%w at offset %d", ErrMalformedOpener, invStart))
			break
		}
		tagEnd += invStart
		name := attr(buf[invStart:tagEnd], "name")

		closeRel := strings.Index(buf[tagEnd:end], invokeClose)
		nextOpen := strings.Index(buf[tagEnd:end], invokeOpen)
		if closeRel < 0 || (nextOpen >= 0 && nextOpen < closeRel) {
			errs = append(errs, fmt.Errorf("%w: %q at offset %d", ErrUnclosedInvoke, name, invStart))
			if nextOpen < 0 {
				break
			}
			pos = tagEnd + nextOpen
			continue
		}
		invEnd := tagEnd + closeRel + len(invokeClose)
		pos = invEnd

		if name == "" {
			errs = append(errs, fmt.Errorf("%w at offset %d", ErrMissingName, invStart))
			continue
		}

		args, err := parseParameters(buf[tagEnd+1 : tagEnd+closeRel])
		if err != nil {
			errs = append(errs, fmt.Errorf("invoke %q: %w", name, err))
			continue
		}

		calls = append(calls, ParsedCall{
			Name:      name,
			Arguments: args,
			Raw:       buf[invStart:invEnd],
			Start:     invStart,
			End:       invEnd,
			BlockEnd:  blockEnd,
		})
	}
	return calls, errs
}

func parseParameters(body string) (map[string]any, error) {
	args := make(map[string]any)
	pos := 0
	for {
		rel := strings.Index(body[pos:], paramOpen)
		if rel < 0 {
			return args, nil
		}
		start := pos + rel
		tagEnd := strings.IndexByte(body[start:], '>')
		if tagEnd < 0 {
			return nil, ErrMalformedOpener
		}
		tagEnd += start
		name := attr(body[start:tagEnd], "name")
		if name == "" {
			return nil, fmt.Errorf("%w: parameter", ErrMissingName)
		}
		closeRel := strings.Index(body[tagEnd:], paramClose)
		if closeRel < 0 {
			return nil, fmt.Errorf("%w: %q", ErrUnclosedParam, name)
		}
		args[name] = decodeValue(body[tagEnd+1 : tagEnd+closeRel])
		pos = tagEnd + closeRel + len(paramClose)
	}
}

// decodeValue returns JSON values decoded and everything else as a trimmed string
func decodeValue(raw string) any {
	v := strings.TrimSpace(raw)
	if v == "" {
		return v
	}
	switch v[0] {
	case '{', '[', '"', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9', 't', 'f', 'n':
		var out any
		if err := json.Unmarshal([]byte(v), &out); err == nil {
			return out
		}
	}
	return v
}

// attr reads a quoted attribute out of an opening tag
func attr(tag, key string) string {
	needle := key + "="
	idx := strings.Index(tag, needle)
	if idx < 0 {
		return ""
	}
	rest := tag[idx+len(needle):]
	if rest == "" {
		return ""
	}
	quote := rest[0]
	if quote != '"' && quote != '\'' {
		return ""
	}
	end := strings.IndexByte(rest[1:], quote)
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[1 : end+1])
}

// ToToolCall converts a parsed call to the shared tool-call type
func (p ParsedCall) ToToolCall(id string) conversation.ToolCall {
	return conversation.ToolCall{
		ID:        id,
		Name:      p.Name,
		Arguments: p.Arguments,
		Source:    conversation.SourceXML,
		XMLTag:    p.Name,
		Raw:       p.Raw,
	}
}
