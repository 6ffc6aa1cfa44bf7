package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantType Type
	}{
		{
			name:     "schema message",
			line:     `{"type":"SCHEMA","stream":"users","schema":{}}`,
			wantType: Schema,
		},
		{
			name:     "record message",
			line:     `{"type":"RECORD","stream":"users","record":{"id":1}}`,
			wantType: Record,
		},
		{
			name:     "state message",
			line:     `{"type":"STATE","value":{"bookmarks":{"users":{"cursor":5}}}}`,
			wantType: State,
		},
		{
			name:     "unknown discriminator",
			line:     `{"type":"ACTIVATE_VERSION","stream":"users"}`,
			wantType: Unknown,
		},
		{
			name:     "malformed json",
			line:     `{"type":"RECORD","stream":`,
			wantType: Unknown,
		},
		{
			name:     "plain text line",
			line:     "INFO starting sync",
			wantType: Unknown,
		},
		{
			name:     "empty line",
			line:     "",
			wantType: Unknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := Parse([]byte(tt.line))
			assert.Equal(t, tt.wantType, msg.Type)
			assert.Equal(t, []byte(tt.line), msg.Raw, "raw bytes must be preserved")
		})
	}
}

func TestParseStateValue(t *testing.T) {
	msg := Parse([]byte(`{"type":"STATE","value":{"bookmarks":{"users":{"cursor":5}}}}`))

	assert.Equal(t, State, msg.Type)
	bookmarks, ok := msg.Value["bookmarks"].(map[string]any)
	assert.True(t, ok, "bookmarks should decode as an object")
	users, ok := bookmarks["users"].(map[string]any)
	assert.True(t, ok)
	assert.EqualValues(t, 5, users["cursor"])
}

func TestParseNonStateHasNoValue(t *testing.T) {
	msg := Parse([]byte(`{"type":"RECORD","value":{"ignored":true}}`))
	assert.Equal(t, Record, msg.Type)
	assert.Nil(t, msg.Value, "value is only decoded for STATE")
}
