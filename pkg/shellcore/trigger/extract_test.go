package trigger

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/randalmurphal/shellcore/pkg/shellcore/event"
)

func TestExtractPayload(t *testing.T) {
	tests := []struct {
		name    string
		typ     event.Type
		payload any
		want    any
	}{
		{"nil stays nil", event.TypeTabOpen, nil, nil},
		{"raw url", event.TypeTabOpen, "https://arxiv.org/abs/123", "https://arxiv.org/abs/123"},
		{"url map", event.TypeNavigate, map[string]any{"url": "https://go.dev"}, "https://go.dev"},
		{"string map", event.TypePageLoad, map[string]string{"url": "https://go.dev"}, "https://go.dev"},
		{"tab payload", event.TypeTabUpdate, event.TabPayload{TabID: "1", URL: "https://go.dev"}, "https://go.dev"},
		{"map without url passes through", event.TypeTabOpen, map[string]any{"tabId": "1"}, map[string]any{"tabId": "1"}},
		{"duration", event.TypeIdle, 5 * time.Second, 5 * time.Second},
		{"millis int", event.TypeIdle, 1500, 1500 * time.Millisecond},
		{"millis float", event.TypeIdle, float64(250), 250 * time.Millisecond},
		{"millis json number", event.TypeIdle, json.Number("2000"), 2 * time.Second},
		{"duration map", event.TypeIdle, map[string]any{"duration": float64(60000)}, time.Minute},
		{"idle payload", event.TypeIdle, event.IdlePayload{Duration: time.Hour}, time.Hour},
		{"other types pass through", event.TypeCommand, map[string]any{"cmd": "reload"}, map[string]any{"cmd": "reload"}},
		{"tab close keeps struct", event.TypeTabClose, event.TabPayload{TabID: "7"}, event.TabPayload{TabID: "7"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractPayload(tt.typ, tt.payload))
		})
	}
}

func TestExtractPayload_AfterQueueRoundTrip(t *testing.T) {
	data, err := json.Marshal(event.New(event.TypeIdle, event.IdlePayload{Duration: 90 * time.Second}))
	assert.NoError(t, err)

	var evt event.Event
	assert.NoError(t, json.Unmarshal(data, &evt))
	assert.Equal(t, 90*time.Second, ExtractPayload(evt.Type, evt.Payload))
}

func TestCompile(t *testing.T) {
	program, err := Compile(`type == "NAVIGATE" && url startsWith "https://"`)
	assert.NoError(t, err)

	ok, err := evaluate(program, newEnv(event.TypeNavigate, "https://go.dev"))
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = evaluate(program, newEnv(event.TypeNavigate, "http://go.dev"))
	assert.NoError(t, err)
	assert.False(t, ok)

	_, err = Compile(`url +`)
	assert.Error(t, err)

	_, err = Compile(`duration * 2`)
	assert.Error(t, err, "non-boolean expressions are rejected")
}
