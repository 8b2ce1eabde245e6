package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"

	"github.com/riftlabs/cortexd/internal/eventq"
	"github.com/riftlabs/cortexd/internal/obslog"
)

const maxLineSize = 1024 * 1024 // 1 MB

// terminator is the sentinel line the CLI emits to mark the end of a
// message without a well-formed JSON payload.
const terminator = "$"

// Parser assembles child output into typed events. It is restartable and
// holds no reference to any particular child: a fresh Parser has no
// lifetime tied to a process. Feed is safe to call repeatedly with either
// complete lines or arbitrary byte fragments; the parser tracks JSON
// nesting depth across calls to reassemble fragmented input.
type Parser struct {
	buf        []byte
	depth      int
	inString   bool
	escapeNext bool

	acc Accumulator
}

// New creates a Parser with a fresh, zeroed Accumulator.
func New() *Parser {
	return &Parser{}
}

// Accumulator returns the running token-usage totals. The returned pointer
// aliases the parser's own state and must not be retained across
// concurrent Feed calls from another goroutine.
func (p *Parser) Accumulator() *Accumulator {
	return &p.acc
}

// Feed appends a fragment (a complete line or part of one) to the parser's
// internal buffer and returns the event that became complete as a result,
// if any. The buffer is decoded as one document once its nesting depth
// returns to zero, so a fragment holding more than one complete document
// is not split and decodes as malformed JSON. The sentinel line "$" always produces
// exactly one MessageStop event and clears the buffer, regardless of
// whether a JSON document was in progress.
func (p *Parser) Feed(fragment []byte) []RawEvent {
	var out []RawEvent

	if isTerminatorOnly(fragment) {
		out = append(out, RawEvent{Raw: fragment, Parsed: ClaudeEvent{Type: EventMessageStop}})
		p.reset()
		return out
	}

	p.buf = append(p.buf, fragment...)

	for _, b := range fragment {
		if p.escapeNext {
			p.escapeNext = false
			continue
		}
		switch b {
		case '\\':
			if p.inString {
				p.escapeNext = true
			}
		case '"':
			p.inString = !p.inString
		case '{', '[':
			if !p.inString {
				p.depth++
			}
		case '}', ']':
			if !p.inString {
				p.depth--
			}
		}
	}

	if p.depth == 0 && len(p.buf) > 0 && !p.inString {
		complete := p.buf
		p.reset()
		out = append(out, p.decode(complete))
	}

	return out
}

// reset clears buffered bytes and JSON-tracking state without touching the
// accumulator, matching clear_buffer in the reference parser.
func (p *Parser) reset() {
	p.buf = nil
	p.depth = 0
	p.inString = false
	p.escapeNext = false
}

func isTerminatorOnly(fragment []byte) bool {
	return string(trimSpace(fragment)) == terminator
}

func trimSpace(b []byte) []byte {
	start := 0
	for start < len(b) && isSpace(b[start]) {
		start++
	}
	end := len(b)
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// decode turns a complete, balanced JSON document into a RawEvent. Malformed
// JSON that nonetheless balanced its braces still clears the buffer and
// emits no parsed type; the caller is expected to log it and keep reading.
func (p *Parser) decode(doc []byte) RawEvent {
	var peek struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(doc, &peek); err != nil {
		obslog.Logf("stream", "malformed JSON dropped: %v", err)
		return RawEvent{Raw: doc, Err: err}
	}

	ev := p.decodeByType(doc, peek.Type)
	if ev.Type == EventUsage && ev.Usage != nil {
		p.acc.Add(*ev.Usage)
	}
	return RawEvent{Raw: doc, Parsed: ev}
}

func (p *Parser) decodeByType(doc []byte, typ string) ClaudeEvent {
	switch typ {
	case EventAssistant, EventUser:
		// Always routed through raw; consumers look inside Original. See
		// the design note on the raw fall-through discipline.
		return ClaudeEvent{Type: EventRaw, RawType: typ, Original: append(json.RawMessage(nil), doc...)}

	case EventSystem, EventText, EventUsage, EventToolUse, EventToolResult,
		EventThinking, EventMessageStop, EventResult, EventInterrupt:
		var ev ClaudeEvent
		if err := json.Unmarshal(doc, &ev); err != nil {
			obslog.Logf("stream", "recognized type %q failed full decode: %v", typ, err)
			return ClaudeEvent{Type: EventRaw, RawType: typ, Original: append(json.RawMessage(nil), doc...)}
		}
		ev.Type = typ
		// Content and ToolContent share the "content" key, which
		// encoding/json leaves undecoded; fill whichever one this type uses.
		var body struct {
			Content json.RawMessage `json:"content"`
		}
		if json.Unmarshal(doc, &body) == nil && len(body.Content) > 0 {
			if typ == EventToolResult {
				ev.ToolContent = body.Content
			} else {
				_ = json.Unmarshal(body.Content, &ev.Content)
			}
		}
		return ev

	case EventError:
		var wire struct {
			Message string `json:"message"`
			Code    string `json:"code,omitempty"`
		}
		if err := json.Unmarshal(doc, &wire); err != nil {
			return ClaudeEvent{Type: EventRaw, RawType: typ, Original: append(json.RawMessage(nil), doc...)}
		}
		return ClaudeEvent{Type: EventError, ErrorMessage: wire.Message, Code: wire.Code}

	default:
		return ClaudeEvent{Type: EventRaw, RawType: typ, Original: append(json.RawMessage(nil), doc...)}
	}
}

// Stream reads NDJSON lines from r and sends parsed events on the returned
// channel. The channel is closed when the reader reaches EOF or ctx is
// cancelled. Every line is fed through a single Parser that is private to
// the reading goroutine; its accumulated usage is not exposed to the
// caller.
func Stream(ctx context.Context, r io.Reader) <-chan RawEvent {
	ch := make(chan RawEvent, 64)
	p := New()
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, maxLineSize), maxLineSize)

		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			raw := make([]byte, len(line))
			copy(raw, line)

			for _, ev := range p.Feed(raw) {
				if !eventq.OfferContext(ctx, ch, ev) {
					obslog.Logf("stream", "dropping event due to backpressure: type=%s", ev.Parsed.Type)
				}
			}
		}
		if err := scanner.Err(); err != nil {
			eventq.OfferContext(ctx, ch, RawEvent{Err: err})
		}
	}()
	return ch
}
