// Package feed exposes the live idea list and transcript to observers, so that
// assistants and dashboards can follow a session without touching its files.
// [NewServer] serves them as Model Context Protocol tools; [Live] pushes idea
// snapshots to WebSocket clients. Both are read-only.
package feed

import (
	"context"
	"net/http"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/ideaflow/internal/ideas"
)

// Tool names served by the feed.
const (
	ToolListIdeas     = "list_ideas"
	ToolGetTranscript = "get_transcript"
)

// Snapshotter returns a consistent copy of the session state.
// *ideas.Store implements it.
type Snapshotter interface {
	Snapshot() ideas.Snapshot
}

// ListIdeasInput selects part of the idea list.
type ListIdeasInput struct {
	Since int `json:"since,omitempty" jsonschema:"skip this many ideas from the start of the list"`
}

// ListIdeasOutput is the result of list_ideas.
type ListIdeasOutput struct {
	Item  string   `json:"item"`
	Ideas []string `json:"ideas"`
	Total int      `json:"total"`
}

// GetTranscriptInput selects the tail of the transcript history.
type GetTranscriptInput struct {
	Last int `json:"last,omitempty" jsonschema:"return only the most recent transcripts; 0 returns all"`
}

// GetTranscriptOutput is the result of get_transcript.
type GetTranscriptOutput struct {
	Transcripts []string `json:"transcripts"`
	Total       int      `json:"total"`
}

// NewServer returns an MCP server with the feed tools registered. item is the
// task object reported with the idea list.
func NewServer(src Snapshotter, item, version string) *mcpsdk.Server {
	srv := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "ideaflow-feed", Version: version}, nil)

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        ToolListIdeas,
		Description: "List the unique ideas accepted so far in this session, oldest first.",
	}, func(_ context.Context, _ *mcpsdk.CallToolRequest, in ListIdeasInput) (*mcpsdk.CallToolResult, ListIdeasOutput, error) {
		list := src.Snapshot().Ideas
		out := ListIdeasOutput{Item: item, Total: len(list), Ideas: []string{}}
		if in.Since >= 0 && in.Since < len(list) {
			out.Ideas = list[in.Since:]
		}
		return textResult(out.Ideas), out, nil
	})

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        ToolGetTranscript,
		Description: "Return the final transcripts recognised so far in this session, in order.",
	}, func(_ context.Context, _ *mcpsdk.CallToolRequest, in GetTranscriptInput) (*mcpsdk.CallToolResult, GetTranscriptOutput, error) {
		history := src.Snapshot().History
		out := GetTranscriptOutput{Transcripts: history, Total: len(history)}
		if in.Last > 0 && in.Last < len(history) {
			out.Transcripts = history[len(history)-in.Last:]
		}
		if out.Transcripts == nil {
			out.Transcripts = []string{}
		}
		return textResult(out.Transcripts), out, nil
	})

	return srv
}

// Handler serves srv over the streamable HTTP transport.
func Handler(srv *mcpsdk.Server) http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return srv }, nil)
}

func textResult(lines []string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: strings.Join(lines, "\n")}},
	}
}
