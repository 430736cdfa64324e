// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/sql-reviewer/internal/backoff"
	"github.com/pdiddy/sql-reviewer/internal/httputil"
)

func TestComplete(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "glm-4.6", req["model"])
		assert.Equal(t, map[string]any{"type": "json_object"}, req["response_format"])
		assert.Equal(t, map[string]any{"type": "enabled"}, req["thinking"])
		assert.EqualValues(t, 4096, req["max_tokens"])
		msgs := req["messages"].([]any)
		require.Len(t, msgs, 2)
		assert.Equal(t, "system", msgs[0].(map[string]any)["role"])

		w.Write([]byte(`{
			"choices": [{"message": {"role": "assistant", "content": "{\"summary\":{}}"}}],
			"usage": {
				"prompt_tokens": 100, "completion_tokens": 40, "total_tokens": 140,
				"prompt_tokens_details": {"cached_tokens": 25},
				"completion_tokens_details": {"reasoning_tokens": 10}
			}
		}`))
	}))
	defer ts.Close()

	c := NewChatClient(ts.URL, "secret", ts.Client())
	resp, err := c.Complete(context.Background(), NewJSONRequest("glm-4.6", "sys", "user", 4096))
	require.NoError(t, err)

	assert.Equal(t, `{"summary":{}}`, resp.Content)
	assert.Equal(t, int64(100), resp.Usage.PromptTokens)
	assert.Equal(t, int64(40), resp.Usage.CompletionTokens)
	assert.Equal(t, int64(140), resp.Usage.TotalTokens)
	assert.Equal(t, int64(25), resp.Usage.CachedTokens)
	assert.Equal(t, int64(10), resp.Usage.ReasoningTokens)
}

func TestComplete_NoChoices(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"choices": [], "usage": {"prompt_tokens": 7}}`))
	}))
	defer ts.Close()

	resp, err := NewChatClient(ts.URL, "k", ts.Client()).Complete(context.Background(), ChatRequest{})
	assert.ErrorIs(t, err, ErrNoChoices)
	assert.False(t, backoff.IsPermanent(err))
	assert.Equal(t, int64(7), resp.Usage.PromptTokens)
}

func TestComplete_ErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusUnauthorized, true},
		{http.StatusForbidden, true},
		{http.StatusBadRequest, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer ts.Close()

			_, err := NewChatClient(ts.URL, "k", ts.Client()).Complete(context.Background(), ChatRequest{})
			require.Error(t, err)
			assert.Equal(t, tt.permanent, backoff.IsPermanent(err))

			var serr *httputil.StatusError
			require.True(t, errors.As(err, &serr))
			assert.Equal(t, tt.status, serr.StatusCode)
		})
	}
}

func TestComplete_MissingKey(t *testing.T) {
	_, err := NewChatClient("http://unused", "", nil).Complete(context.Background(), ChatRequest{})
	require.Error(t, err)
	assert.True(t, backoff.IsPermanent(err))
}
