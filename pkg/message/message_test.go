package message

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/taskbridge/pkg/webreq"
)

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "nope"},
		{name: "missing task name", body: `{"headers":{"id":"1"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestEncode_WireShape(t *testing.T) {
	eta := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := &Message{
		Headers: Headers{ID: "id-1", Task: "tests.add", Retries: 2, ETA: &eta, Queue: "default"},
		Args:    []any{1, "two"},
		Kwargs:  map[string]any{"k": true},
	}
	require.NoError(t, m.SetExtra(Extra{HTTPRequest: &webreq.Snapshot{
		URL: "http://localhost/",
		Env: map[string]string{"CONTENT_LENGTH": "0"},
	}}))

	b, err := m.Encode()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	embed := raw["embed"].(map[string]any)
	extra := embed[ExtraKey].(map[string]any)
	req := extra["http_request"].(map[string]any)
	assert.Equal(t, "http://localhost/", req["REQUEST_URL"])
	assert.Equal(t, map[string]any{"CONTENT_LENGTH": "0"}, req["REQUEST_ENV"])

	headers := raw["headers"].(map[string]any)
	assert.Equal(t, "tests.add", headers["task"])
	assert.Equal(t, "2026-01-02T03:04:05Z", headers["eta"])
	assert.NotContains(t, headers, "parent_id")
	assert.NotContains(t, raw, "trace_headers")
}

func TestClone(t *testing.T) {
	m := &Message{
		Headers: Headers{ID: "id-1", Task: "tests.add"},
		Args:    []any{1},
		Kwargs:  map[string]any{"nested": map[string]any{"a": 1}},
	}
	cp, err := m.Clone()
	require.NoError(t, err)

	assert.Equal(t, m.Headers, cp.Headers)
	assert.Equal(t, []any{float64(1)}, cp.Args, "the copy sees wire types")

	cp.Kwargs["nested"].(map[string]any)["a"] = 2
	assert.Equal(t, 1, m.Kwargs["nested"].(map[string]any)["a"])
}

func TestExtra(t *testing.T) {
	m := &Message{Headers: Headers{ID: "1", Task: "t"}}

	extra, err := m.Extra()
	require.NoError(t, err)
	assert.Nil(t, extra.HTTPRequest, "a message without extra yields a zero value")

	require.NoError(t, m.SetExtra(Extra{}))
	assert.JSONEq(t, `{}`, string(m.Embed[ExtraKey]), "no http_request field without a snapshot")

	snap := &webreq.Snapshot{URL: "http://localhost", Env: map[string]string{"HTTP_HOST": "localhost"}}
	require.NoError(t, m.SetExtra(Extra{HTTPRequest: snap}))
	cp, err := m.Clone()
	require.NoError(t, err)
	extra, err = cp.Extra()
	require.NoError(t, err)
	assert.Equal(t, snap, extra.HTTPRequest)

	m.Embed[ExtraKey] = json.RawMessage(`"not an object"`)
	_, err = m.Extra()
	assert.Error(t, err)
}
