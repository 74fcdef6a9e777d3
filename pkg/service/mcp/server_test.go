package mcp_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/ina/pkg/chunker"
	"github.com/m-mizutani/ina/pkg/embedding"
	repomemory "github.com/m-mizutani/ina/pkg/repository/memory"
	"github.com/m-mizutani/ina/pkg/service/mcp"
	"github.com/m-mizutani/ina/pkg/usecase/memory"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

func newSession(t *testing.T) *mcpsdk.ClientSession {
	t.Helper()
	ctx := context.Background()

	repo, err := repomemory.New(16)
	gt.NoError(t, err)
	c, err := chunker.New(200, 20)
	gt.NoError(t, err)
	uc, err := memory.New(repo, embedding.NewHash(16), c)
	gt.NoError(t, err)

	testServer := httptest.NewServer(mcp.NewServer(uc).Handler())
	t.Cleanup(testServer.Close)

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    "ina-test",
		Version: "1.0.0",
	}, nil)
	session, err := client.Connect(ctx, &mcpsdk.StreamableClientTransport{
		Endpoint: testServer.URL,
	}, nil)
	gt.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

func callTool[T any](t *testing.T, session *mcpsdk.ClientSession, name string, args map[string]any) T {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	gt.NoError(t, err)
	gt.False(t, result.IsError)
	gt.A(t, result.Content).Length(1)

	text, ok := result.Content[0].(*mcpsdk.TextContent)
	gt.True(t, ok)

	var out T
	gt.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func TestListTools(t *testing.T) {
	session := newSession(t)

	tools, err := session.ListTools(context.Background(), &mcpsdk.ListToolsParams{})
	gt.NoError(t, err)

	names := map[string]bool{}
	for _, tool := range tools.Tools {
		names[tool.Name] = true
	}
	gt.True(t, names["remember"])
	gt.True(t, names["recall"])
	gt.True(t, names["forget"])
}

func TestRememberRecallForget(t *testing.T) {
	session := newSession(t)

	stored := callTool[mcp.RememberOutput](t, session, "remember", map[string]any{
		"user_id": 1,
		"chat_id": -100,
		"text":    "the release is planned for March",
	})
	gt.NotEqual(t, stored.MessageID, "")

	recalled := callTool[mcp.RecallOutput](t, session, "recall", map[string]any{
		"query":   "the release is planned for March",
		"chat_id": -100,
	})
	gt.Equal(t, recalled.Count, 1)
	gt.Equal(t, recalled.Chunks[0].Text, "the release is planned for March")
	gt.Equal(t, recalled.Chunks[0].MessageID, stored.MessageID)
	gt.True(t, recalled.Chunks[0].Distance < 1e-6)

	// Another chat sees nothing
	other := callTool[mcp.RecallOutput](t, session, "recall", map[string]any{
		"query":   "the release is planned for March",
		"chat_id": -200,
	})
	gt.Equal(t, other.Count, 0)

	forgot := callTool[mcp.ForgetOutput](t, session, "forget", map[string]any{
		"message_id": stored.MessageID,
	})
	gt.True(t, forgot.Deleted)

	after := callTool[mcp.RecallOutput](t, session, "recall", map[string]any{
		"query":   "the release is planned for March",
		"chat_id": -100,
	})
	gt.Equal(t, after.Count, 0)
}

func TestRememberAppend(t *testing.T) {
	session := newSession(t)

	stored := callTool[mcp.RememberOutput](t, session, "remember", map[string]any{
		"user_id": 1,
		"text":    "first part",
	})
	appended := callTool[mcp.RememberOutput](t, session, "remember", map[string]any{
		"message_id": stored.MessageID,
		"text":       "second part",
	})
	gt.Equal(t, appended.MessageID, stored.MessageID)

	recalled := callTool[mcp.RecallOutput](t, session, "recall", map[string]any{
		"query":   "second part",
		"user_id": 1,
		"k":       1,
	})
	gt.Equal(t, recalled.Count, 1)
	gt.Equal(t, recalled.Chunks[0].Text, "second part")
	gt.Equal(t, recalled.Chunks[0].Index, 1)
}

func TestToolErrors(t *testing.T) {
	session := newSession(t)
	ctx := context.Background()

	testCases := map[string]struct {
		tool string
		args map[string]any
	}{
		"remember without owner": {
			tool: "remember",
			args: map[string]any{"text": "hello"},
		},
		"remember blank text": {
			tool: "remember",
			args: map[string]any{"user_id": 1, "text": "  "},
		},
		"append to unknown message": {
			tool: "remember",
			args: map[string]any{"message_id": "missing", "text": "hello"},
		},
		"recall without scope": {
			tool: "recall",
			args: map[string]any{"query": "hello"},
		},
		"forget without id": {
			tool: "forget",
			args: map[string]any{},
		},
		"forget unknown message": {
			tool: "forget",
			args: map[string]any{"message_id": "missing"},
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
				Name:      tc.tool,
				Arguments: tc.args,
			})
			gt.True(t, err != nil || result.IsError)
		})
	}
}
