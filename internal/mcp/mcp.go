// Package mcp exposes the agenr_recall tool: a thin dispatcher that maps
// MCP tool arguments onto a recall query and formats the response as a
// single text block.
package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/agenr-dev/agenr/internal/recall"
)

// RecallArgs mirrors the agenr_recall tool's argument shape.
type RecallArgs struct {
	Context  string `json:"context,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Project  string `json:"project,omitempty"`
	Text     string `json:"text,omitempty"`
	SinceSeq *int64 `json:"since_seq,omitempty"`
	NoUpdate bool   `json:"noUpdate,omitempty"`
}

// Dispatcher serves the agenr_recall tool against one engine.
type Dispatcher struct {
	engine *recall.Engine
}

// NewDispatcher wraps a recall engine for MCP tool dispatch.
func NewDispatcher(engine *recall.Engine) *Dispatcher {
	return &Dispatcher{engine: engine}
}

// Recall runs a recall.Query built from args and renders it as the single
// text block the MCP tool response expects.
func (d *Dispatcher) Recall(ctx context.Context, args RecallArgs) (string, error) {
	q := recall.Query{
		Text:     args.Text,
		Context:  args.Context,
		Limit:    args.Limit,
		NoUpdate: args.NoUpdate,
		SinceSeq: args.SinceSeq,
		Project:  args.Project,
	}

	resp, err := d.engine.Recall(ctx, q)
	if err != nil {
		return "", fmt.Errorf("mcp: agenr_recall: %w", err)
	}

	if resp.NoNewSince != nil {
		return fmt.Sprintf("No new entries since seq %d.", *resp.NoNewSince), nil
	}

	return formatResponse(q, resp), nil
}

func formatResponse(q recall.Query, resp *recall.Response) string {
	if len(resp.Items) == 0 {
		return "No matching entries."
	}

	var b strings.Builder
	sinceSeq := q.SinceSeq != nil
	for _, item := range resp.Items {
		if sinceSeq {
			fmt.Fprintf(&b, "[rowid=%d] [id=%s] %s: %s\n", item.Entry.RowID, item.Entry.ID, item.Entry.Subject, item.Entry.Content)
			continue
		}
		prefix := ""
		if item.Category != "" {
			prefix = "[" + item.Category + "] "
		}
		fmt.Fprintf(&b, "- %s[id=%s] %s: %s\n", prefix, item.Entry.ID, item.Entry.Subject, item.Entry.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}
