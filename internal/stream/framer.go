// Package stream turns the raw output of an agent process into ordered messages.
//
// Framing works on bytes: chunks are appended to a carry-over buffer and split on
// '\n'. A newline byte never occurs inside a multi-byte UTF-8 sequence, so a chunk
// boundary that splits a character is healed before the line is decoded.
package stream

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/joescharf/prdash/internal/models"
)

// Framer reassembles newline-delimited records from stdout chunks. A Framer is
// owned by one process and is not safe for concurrent use.
type Framer struct {
	carry []byte
	now   func() time.Time
}

// NewFramer returns an empty framer. A nil now defaults to time.Now.
func NewFramer(now func() time.Time) *Framer {
	if now == nil {
		now = time.Now
	}
	return &Framer{now: now}
}

// Feed appends chunk and returns one message per complete, non-empty line.
// The trailing fragment after the last newline is held back for the next call.
func (f *Framer) Feed(chunk []byte) []models.Message {
	f.carry = append(f.carry, chunk...)
	var out []models.Message
	for {
		idx := bytes.IndexByte(f.carry, '\n')
		if idx < 0 {
			break
		}
		line := f.carry[:idx]
		f.carry = f.carry[idx+1:]
		if msg, ok := f.frame(line); ok {
			out = append(out, msg)
		}
	}
	if len(f.carry) == 0 {
		f.carry = nil
	}
	return out
}

// Flush frames whatever is left in the carry-over buffer as a final line.
// It is called once the stream has ended.
func (f *Framer) Flush() []models.Message {
	line := f.carry
	f.carry = nil
	if msg, ok := f.frame(line); ok {
		return []models.Message{msg}
	}
	return nil
}

// Pending returns the number of buffered bytes not yet framed.
func (f *Framer) Pending() int {
	return len(f.carry)
}

func (f *Framer) frame(line []byte) (models.Message, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return models.Message{}, false
	}
	return Classify(trimmed, f.now()), true
}

// Classify turns one complete line into a message. Lines that are not a JSON
// object become raw-text messages with their trimmed content.
func Classify(line []byte, at time.Time) models.Message {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' || !gjson.ValidBytes(line) {
		return models.Message{Kind: models.KindRaw, Text: decodeText(line), Timestamp: at}
	}
	rec := gjson.ParseBytes(line)
	typ := rec.Get("type").String()
	subtype := rec.Get("subtype").String()
	return models.Message{
		Kind:      kindOf(rec, typ, subtype),
		Type:      typ,
		Subtype:   subtype,
		Payload:   json.RawMessage(append([]byte(nil), line...)),
		Timestamp: at,
	}
}

func kindOf(rec gjson.Result, typ, subtype string) models.MessageKind {
	switch typ {
	case "system":
		if subtype == "init" {
			return models.KindInit
		}
		return models.KindSystem
	case "assistant":
		if hasContentBlock(rec, "tool_use") {
			return models.KindTool
		}
		return models.KindAssistant
	case "user":
		if hasContentBlock(rec, "tool_result") {
			return models.KindTool
		}
		return models.KindSystem
	case "tool_use", "tool_result":
		return models.KindTool
	default:
		return models.KindSystem
	}
}

func hasContentBlock(rec gjson.Result, blockType string) bool {
	found := false
	rec.Get("message.content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == blockType {
			found = true
			return false
		}
		return true
	})
	return found
}

// ConversationID extracts the resumable conversation handle from an init record.
// It returns "" for any other message.
func ConversationID(msg models.Message) string {
	if msg.Kind != models.KindInit || len(msg.Payload) == 0 {
		return ""
	}
	return gjson.GetBytes(msg.Payload, "session_id").String()
}

// AssistantText returns the concatenated text blocks of an assistant message.
func AssistantText(msg models.Message) string {
	if msg.Kind != models.KindAssistant || len(msg.Payload) == 0 {
		return ""
	}
	var parts []string
	gjson.GetBytes(msg.Payload, "message.content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			if text := strings.TrimSpace(block.Get("text").String()); text != "" {
				parts = append(parts, text)
			}
		}
		return true
	})
	return strings.Join(parts, "\n")
}

// ErrorDecoder turns error-stream chunks into messages, one per chunk with
// non-empty text. Incomplete UTF-8 sequences at the end of a chunk are carried
// into the next one.
type ErrorDecoder struct {
	carry []byte
	now   func() time.Time
}

// NewErrorDecoder returns an empty decoder. A nil now defaults to time.Now.
func NewErrorDecoder(now func() time.Time) *ErrorDecoder {
	if now == nil {
		now = time.Now
	}
	return &ErrorDecoder{now: now}
}

// Feed decodes chunk and returns at most one stderr message.
func (d *ErrorDecoder) Feed(chunk []byte) (models.Message, bool) {
	buf := append(d.carry, chunk...)
	cut := completePrefix(buf)
	d.carry = append([]byte(nil), buf[cut:]...)
	return d.message(buf[:cut])
}

// Flush returns whatever bytes remain once the stream has ended.
func (d *ErrorDecoder) Flush() (models.Message, bool) {
	rest := d.carry
	d.carry = nil
	return d.message(rest)
}

func (d *ErrorDecoder) message(b []byte) (models.Message, bool) {
	text := strings.TrimSpace(decodeText(b))
	if text == "" {
		return models.Message{}, false
	}
	return models.Message{Kind: models.KindStderr, Text: text, Timestamp: d.now()}, true
}

// completePrefix returns the length of b without a trailing, incomplete UTF-8 sequence.
func completePrefix(b []byte) int {
	n := len(b)
	// A rune is at most utf8.UTFMax bytes; only the tail can be incomplete.
	for i := 1; i < utf8.UTFMax && i <= n; i++ {
		c := b[n-i]
		if utf8.RuneStart(c) {
			if !utf8.FullRune(b[n-i:]) {
				return n - i
			}
			return n
		}
	}
	return n
}

func decodeText(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), string(utf8.RuneError))
}
