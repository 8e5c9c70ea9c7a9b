package stream

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/prdash/internal/models"
)

var fixedNow = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

func TestFramer_SplitRecordAcrossChunks(t *testing.T) {
	f := NewFramer(fixedNow)

	msgs := f.Feed([]byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"hel`))
	assert.Empty(t, msgs)

	msgs = f.Feed([]byte(`lo"}]}`))
	assert.Empty(t, msgs)

	msgs = f.Feed([]byte("}\n"))
	require.Len(t, msgs, 1)
	assert.Equal(t, models.KindAssistant, msgs[0].Kind)
	assert.Equal(t, "hello", AssistantText(msgs[0]))
	assert.Equal(t, 0, f.Pending())
}

func TestFramer_MultipleLinesInOneChunk(t *testing.T) {
	f := NewFramer(fixedNow)

	msgs := f.Feed([]byte("{\"type\":\"system\",\"subtype\":\"init\",\"session_id\":\"abc\"}\n\nplain text\n   \n{\"type\":\"result\",\"subtype\":\"success\"}\npartial"))
	require.Len(t, msgs, 3)

	assert.Equal(t, models.KindInit, msgs[0].Kind)
	assert.Equal(t, "abc", ConversationID(msgs[0]))

	assert.Equal(t, models.KindRaw, msgs[1].Kind)
	assert.Equal(t, "plain text", msgs[1].Text)
	assert.Nil(t, msgs[1].Payload)

	assert.Equal(t, models.KindSystem, msgs[2].Kind)
	assert.Equal(t, "result", msgs[2].Type)
	assert.Equal(t, "success", msgs[2].Subtype)

	assert.Equal(t, len("partial"), f.Pending())
	rest := f.Flush()
	require.Len(t, rest, 1)
	assert.Equal(t, "partial", rest[0].Text)
	assert.Empty(t, f.Flush())
}

func TestFramer_MultiByteCharacterSplitAcrossChunks(t *testing.T) {
	f := NewFramer(fixedNow)
	line := []byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"grüße €"}]}}` + "\n")

	// Split inside the euro sign (3 bytes) and inside ü (2 bytes).
	euro := strings.Index(string(line), "€")
	umlaut := strings.Index(string(line), "ü")
	require.Positive(t, euro)

	var msgs []models.Message
	msgs = append(msgs, f.Feed(line[:umlaut+1])...)
	msgs = append(msgs, f.Feed(line[umlaut+1:euro+2])...)
	msgs = append(msgs, f.Feed(line[euro+2:])...)

	require.Len(t, msgs, 1)
	assert.Equal(t, "grüße €", AssistantText(msgs[0]))
}

func TestFramer_PayloadPreservedVerbatim(t *testing.T) {
	f := NewFramer(fixedNow)
	record := `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{"command":"go test ./..."}}]}}`

	msgs := f.Feed([]byte("  " + record + "  \r\n"))
	require.Len(t, msgs, 1)
	assert.Equal(t, models.KindTool, msgs[0].Kind)
	assert.JSONEq(t, record, string(msgs[0].Payload))
	assert.True(t, json.Valid(msgs[0].Payload))
	assert.Equal(t, fixedNow(), msgs[0].Timestamp)
}

func TestFramer_ReplayReconstructsOutput(t *testing.T) {
	lines := []string{
		`{"type":"system","subtype":"init","session_id":"s1"}`,
		`not json {`,
		`{"type":"user","message":{"content":[{"type":"tool_result","content":"ok"}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"done"}]}}`,
	}
	output := strings.Join(lines, "\n") + "\n"

	f := NewFramer(fixedNow)
	var msgs []models.Message
	// Feed in 7-byte chunks to exercise every boundary.
	for i := 0; i < len(output); i += 7 {
		end := min(i+7, len(output))
		msgs = append(msgs, f.Feed([]byte(output[i:end]))...)
	}
	msgs = append(msgs, f.Flush()...)

	require.Len(t, msgs, len(lines))
	for i, msg := range msgs {
		if msg.Kind == models.KindRaw {
			assert.Equal(t, lines[i], msg.Text)
			continue
		}
		assert.Equal(t, lines[i], string(msg.Payload))
	}
	assert.Equal(t, models.KindTool, msgs[2].Kind)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		line string
		want models.MessageKind
	}{
		{"init", `{"type":"system","subtype":"init"}`, models.KindInit},
		{"other system", `{"type":"system","subtype":"compact_boundary"}`, models.KindSystem},
		{"result", `{"type":"result","subtype":"success"}`, models.KindSystem},
		{"assistant text", `{"type":"assistant","message":{"content":[{"type":"text","text":"x"}]}}`, models.KindAssistant},
		{"assistant tool use", `{"type":"assistant","message":{"content":[{"type":"text","text":"x"},{"type":"tool_use"}]}}`, models.KindTool},
		{"tool result", `{"type":"user","message":{"content":[{"type":"tool_result"}]}}`, models.KindTool},
		{"plain user", `{"type":"user","message":{"content":"hi"}}`, models.KindSystem},
		{"unknown type", `{"type":"stream_event"}`, models.KindSystem},
		{"array is raw", `[1,2,3]`, models.KindRaw},
		{"truncated json", `{"type":"assistant"`, models.KindRaw},
		{"text", `Error: something broke`, models.KindRaw},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := Classify([]byte(tt.line), fixedNow())
			assert.Equal(t, tt.want, msg.Kind)
			assert.Equal(t, tt.want.Structured(), msg.Payload != nil)
		})
	}
}

func TestConversationID_OnlyFromInit(t *testing.T) {
	sys := Classify([]byte(`{"type":"system","subtype":"status","session_id":"nope"}`), fixedNow())
	assert.Empty(t, ConversationID(sys))

	initMsg := Classify([]byte(`{"type":"system","subtype":"init"}`), fixedNow())
	assert.Empty(t, ConversationID(initMsg))
}

func TestErrorDecoder(t *testing.T) {
	d := NewErrorDecoder(fixedNow)

	_, ok := d.Feed([]byte("  \n"))
	assert.False(t, ok)

	msg, ok := d.Feed([]byte("warning: retrying\n"))
	require.True(t, ok)
	assert.Equal(t, models.KindStderr, msg.Kind)
	assert.Equal(t, "warning: retrying", msg.Text)

	// "€" split after its first byte is carried, not corrupted.
	euro := []byte("cost €")
	msg, ok = d.Feed(euro[:len(euro)-2])
	require.True(t, ok)
	assert.Equal(t, "cost", msg.Text)

	msg, ok = d.Feed(euro[len(euro)-2:])
	require.True(t, ok)
	assert.Equal(t, "€", msg.Text)

	_, ok = d.Flush()
	assert.False(t, ok)
}

func TestCompletePrefix(t *testing.T) {
	euro := []byte("€") // e2 82 ac
	assert.Equal(t, 0, completePrefix(euro[:1]))
	assert.Equal(t, 0, completePrefix(euro[:2]))
	assert.Equal(t, 3, completePrefix(euro))
	assert.Equal(t, 2, completePrefix([]byte("ab")))
	assert.Equal(t, 0, completePrefix(nil))
}
