package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestFeedCompleteLineEmitsOneEvent(t *testing.T) {
	p := New()
	line := []byte(`{"type":"system","subtype":"init","session_id":"abc123","model":"claude-opus"}`)

	events := p.Feed(line)
	if len(events) != 1 {
		t.Fatalf("Feed() returned %d events, want 1", len(events))
	}
	ev := events[0].Parsed
	if ev.Type != EventSystem {
		t.Fatalf("Type = %q, want %q", ev.Type, EventSystem)
	}
	if ev.SessionID != "abc123" {
		t.Fatalf("SessionID = %q, want abc123", ev.SessionID)
	}
}

func TestFeedFragmentedJSONAcrossCalls(t *testing.T) {
	p := New()
	full := `{"type":"text","id":"t1","content":"hello world, this is a fragmented message"}`

	// Split the document into three arbitrary chunks, none of which is
	// valid JSON on its own.
	cut1 := len(full) / 3
	cut2 := 2 * len(full) / 3
	parts := [][]byte{[]byte(full[:cut1]), []byte(full[cut1:cut2]), []byte(full[cut2:])}

	var gotEvents []RawEvent
	for _, part := range parts {
		gotEvents = append(gotEvents, p.Feed(part)...)
	}

	if len(gotEvents) != 1 {
		t.Fatalf("got %d events across fragments, want exactly 1 (assembled once complete)", len(gotEvents))
	}
	ev := gotEvents[0].Parsed
	if ev.Type != EventText {
		t.Fatalf("Type = %q, want %q", ev.Type, EventText)
	}
	if ev.Content != "hello world, this is a fragmented message" {
		t.Fatalf("Content = %q", ev.Content)
	}
}

func TestFeedFragmentedJSONWithEscapedQuoteInString(t *testing.T) {
	p := New()
	// The literal string content contains escaped quotes and an unescaped
	// brace inside the string; naive depth tracking without in-string
	// awareness would miscount these.
	full := `{"type":"text","id":"t2","content":"she said \"use a { here\" and left"}`

	mid := len(full) / 2
	events := append(p.Feed([]byte(full[:mid])), p.Feed([]byte(full[mid:]))...)

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Err != nil {
		t.Fatalf("unexpected decode error: %v", events[0].Err)
	}
	if events[0].Parsed.Content == "" {
		t.Fatalf("Content not decoded: %+v", events[0].Parsed)
	}
}

func TestFeedTerminatorAlwaysEmitsMessageStop(t *testing.T) {
	p := New()

	// Begin a JSON document but never close it, then send the terminator.
	p.Feed([]byte(`{"type":"text","id":"t3","content":"unterminated`))

	events := p.Feed([]byte("$"))
	if len(events) != 1 || events[0].Parsed.Type != EventMessageStop {
		t.Fatalf("expected a single MessageStop event, got %+v", events)
	}

	// The parser must have cleared its buffered state: the next complete
	// document should decode cleanly rather than appending to stale bytes.
	events = p.Feed([]byte(`{"type":"text","id":"t4","content":"fresh"}`))
	if len(events) != 1 {
		t.Fatalf("got %d events after reset, want 1", len(events))
	}
	if events[0].Parsed.ID != "t4" {
		t.Fatalf("ID = %q, want t4 (stale buffer not cleared)", events[0].Parsed.ID)
	}
}

func TestAssistantAndUserAlwaysDecodeAsRaw(t *testing.T) {
	p := New()
	for _, typ := range []string{EventAssistant, EventUser} {
		doc := []byte(`{"type":"` + typ + `","message":{"role":"` + typ + `","content":[{"type":"text","text":"hi"}]}}`)
		events := p.Feed(doc)
		if len(events) != 1 {
			t.Fatalf("%s: got %d events, want 1", typ, len(events))
		}
		ev := events[0].Parsed
		if ev.Type != EventRaw {
			t.Fatalf("%s: Type = %q, want %q", typ, ev.Type, EventRaw)
		}
		if ev.RawType != typ {
			t.Fatalf("%s: RawType = %q, want %q", typ, ev.RawType, typ)
		}
		if !json.Valid(ev.Original) {
			t.Fatalf("%s: Original is not valid JSON: %s", typ, ev.Original)
		}
	}
}

func TestUsageEventsAccumulateWithPlusEquals(t *testing.T) {
	p := New()

	usages := []Usage{
		{InputTokens: 100, OutputTokens: 50, CacheCreationInputTokens: 10, CacheReadInputTokens: 5},
		{InputTokens: 200, OutputTokens: 75},
		{CacheReadInputTokens: 30},
	}

	for _, u := range usages {
		doc, err := json.Marshal(struct {
			Type  string `json:"type"`
			Usage Usage  `json:"usage"`
		}{Type: EventUsage, Usage: u})
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		events := p.Feed(doc)
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1", len(events))
		}
	}

	acc := p.Accumulator()
	if acc.InputTokens != 300 {
		t.Fatalf("InputTokens = %d, want 300", acc.InputTokens)
	}
	if acc.OutputTokens != 125 {
		t.Fatalf("OutputTokens = %d, want 125", acc.OutputTokens)
	}
	if acc.CacheCreationTokens != 10 {
		t.Fatalf("CacheCreationTokens = %d, want 10", acc.CacheCreationTokens)
	}
	if acc.CacheReadTokens != 35 {
		t.Fatalf("CacheReadTokens = %d, want 35", acc.CacheReadTokens)
	}
	if acc.Messages != 3 {
		t.Fatalf("Messages = %d, want 3", acc.Messages)
	}
	if got, want := acc.Total(), 300+125+10+35; got != want {
		t.Fatalf("Total() = %d, want %d", got, want)
	}
}

func TestUnknownTypeFallsBackToRaw(t *testing.T) {
	p := New()
	doc := []byte(`{"type":"some_future_event","payload":"x"}`)

	events := p.Feed(doc)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0].Parsed
	if ev.Type != EventRaw || ev.RawType != "some_future_event" {
		t.Fatalf("got Type=%q RawType=%q, want Raw/some_future_event", ev.Type, ev.RawType)
	}
}

func TestErrorEventDecodesMessageAndCode(t *testing.T) {
	p := New()
	doc := []byte(`{"type":"error","message":"tool failed","code":"E_TOOL"}`)

	events := p.Feed(doc)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0].Parsed
	if ev.Type != EventError {
		t.Fatalf("Type = %q, want error", ev.Type)
	}
	if ev.ErrorMessage != "tool failed" {
		t.Fatalf("ErrorMessage = %q, want %q", ev.ErrorMessage, "tool failed")
	}
	if ev.Code != "E_TOOL" {
		t.Fatalf("Code = %q, want E_TOOL", ev.Code)
	}
}

func TestStreamConsumesNDJSONReader(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(`{"type":"system","subtype":"init","session_id":"s1"}` + "\n")
	buf.WriteString(`{"type":"text","id":"t1","content":"hi"}` + "\n")
	buf.WriteString("$\n")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got []RawEvent
	for ev := range Stream(ctx, &buf) {
		got = append(got, ev)
	}

	if len(got) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(got), got)
	}
	if got[0].Parsed.Type != EventSystem {
		t.Fatalf("event 0 Type = %q, want system", got[0].Parsed.Type)
	}
	if got[1].Parsed.Type != EventText {
		t.Fatalf("event 1 Type = %q, want text", got[1].Parsed.Type)
	}
	if got[2].Parsed.Type != EventMessageStop {
		t.Fatalf("event 2 Type = %q, want message_stop", got[2].Parsed.Type)
	}
}
