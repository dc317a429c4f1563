// Package decoder extracts structured tool calls from a model's raw
// output stream.
//
// Models emit tool calls as JSON objects embedded in free text, either
// bare or wrapped in <tool_call> tags, and the surrounding prose is the
// model's visible reasoning or final answer. The decoder consumes the
// output as an append-only sequence of text fragments and produces
// complete tool-call candidates the moment their closing brace arrives.
//
// The scan is a single forward pass holding a brace-depth counter and
// the offset of the currently open top-level block, so decode time is
// linear in the total input length regardless of nesting depth or how
// the text is fragmented. An earlier design that re-scanned the whole
// accumulated buffer on every fragment was quadratic and could stall
// the agent loop on deeply nested malformed output; the cursor-based
// scan exists specifically to rule that out.
//
// Completed blocks are validated with encoding/json, which enforces
// its own nesting ceiling. A block deeper than that ceiling still
// costs only linear scan time but fails validation and is surfaced as
// a ParseError like any other malformed block.
package decoder

import (
	"encoding/json"
	"strings"
)

// ToolCall is a candidate tool invocation extracted from model output.
// It has not been validated against the tool registry.
type ToolCall struct {
	// Name is the requested tool. Always non-empty: blocks without a
	// usable name are rejected as ParseErrors before they get here.
	Name string

	// Arguments is the decoded argument mapping. Never nil.
	Arguments map[string]any

	// Raw is the exact JSON block the call was decoded from, retained
	// for the turn's audit record.
	Raw string
}

// ParseError describes a block that looked like a tool call but failed
// structural parsing. It is surfaced to the model as a correction
// prompt rather than crashing or silently dropping the block.
type ParseError struct {
	Raw    string
	Reason string
}

func (e *ParseError) Error() string {
	return "tool call parse error: " + e.Reason
}

// Result is one decoded item: exactly one of Call or Err is set.
type Result struct {
	Call *ToolCall
	Err  *ParseError
}

// Decoder incrementally scans model output fed to it in fragments.
// The zero value is not usable; call New.
type Decoder struct {
	buf        []byte
	pos        int // next unscanned byte in buf
	depth      int
	blockStart int // offset of the open top-level '{', -1 when outside a block
	inString   bool
	escaped    bool

	prose   strings.Builder
	results []Result
}

// New returns a Decoder ready to receive fragments.
func New() *Decoder {
	return &Decoder{blockStart: -1}
}

// Feed appends a fragment and advances the scan. Completed blocks are
// decoded immediately; fragments may split anywhere, including inside
// JSON string literals. Empty fragments are a no-op.
func (d *Decoder) Feed(fragment string) {
	if fragment == "" {
		return
	}
	d.buf = append(d.buf, fragment...)
	d.scan()
}

// scan advances from d.pos to the end of the buffer, carrying all
// lexer state across calls so no byte is ever visited twice.
func (d *Decoder) scan() {
	for ; d.pos < len(d.buf); d.pos++ {
		c := d.buf[d.pos]

		if d.blockStart < 0 {
			if c == '{' {
				d.blockStart = d.pos
				d.depth = 1
				d.inString = false
				d.escaped = false
			} else {
				d.prose.WriteByte(c)
			}
			continue
		}

		// Inside a block: honor JSON string literals so braces in
		// string values don't disturb the depth counter.
		if d.inString {
			switch {
			case d.escaped:
				d.escaped = false
			case c == '\\':
				d.escaped = true
			case c == '"':
				d.inString = false
			}
			continue
		}

		switch c {
		case '"':
			d.inString = true
		case '{':
			d.depth++
		case '}':
			d.depth--
			if d.depth == 0 {
				d.emit(string(d.buf[d.blockStart : d.pos+1]))
				d.blockStart = -1
			}
		}
	}
}

// emit decodes one complete brace block. JSON objects that are not
// tool calls (no "name" member) are folded back into the prose — the
// model is allowed to include JSON in a plain answer.
func (d *Decoder) emit(raw string) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		d.results = append(d.results, Result{Err: &ParseError{
			Raw:    raw,
			Reason: "block is not a well-formed JSON object: " + err.Error(),
		}})
		return
	}

	nameRaw, ok := probe["name"]
	if !ok {
		d.prose.WriteString(raw)
		return
	}

	var name string
	if err := json.Unmarshal(nameRaw, &name); err != nil || name == "" {
		d.results = append(d.results, Result{Err: &ParseError{
			Raw:    raw,
			Reason: `"name" must be a non-empty string`,
		}})
		return
	}

	args := map[string]any{}
	if argsRaw, ok := probe["arguments"]; ok {
		if err := json.Unmarshal(argsRaw, &args); err != nil {
			d.results = append(d.results, Result{Err: &ParseError{
				Raw:    raw,
				Reason: `"arguments" must be a JSON object`,
			}})
			return
		}
	}

	d.results = append(d.results, Result{Call: &ToolCall{
		Name:      name,
		Arguments: args,
		Raw:       raw,
	}})
}

// Finish completes the scan and returns all decoded results in source
// order plus the trailing prose. An unterminated block becomes a
// ParseError rather than disappearing. The decoder must not be fed
// after Finish.
func (d *Decoder) Finish() ([]Result, string) {
	if d.blockStart >= 0 {
		d.results = append(d.results, Result{Err: &ParseError{
			Raw:    string(d.buf[d.blockStart:]),
			Reason: "unterminated tool call block",
		}})
		d.blockStart = -1
	}
	return d.results, cleanProse(d.prose.String())
}

// Decode is a convenience for callers that already hold the complete
// output text.
func Decode(text string) ([]Result, string) {
	d := New()
	d.Feed(text)
	return d.Finish()
}

// cleanProse strips tool-call tag markers and structural leftovers
// (array punctuation around extracted blocks) from the visible text.
func cleanProse(s string) string {
	s = strings.ReplaceAll(s, "<tool_call>", "")
	s = strings.ReplaceAll(s, "</tool_call>", "")
	s = strings.TrimSpace(s)
	if strings.Trim(s, " \t\r\n[],") == "" {
		return ""
	}
	return s
}
