// ABOUTME: Tool handler executing a node's tool_command in the working directory.
// ABOUTME: Success iff exit code 0; stdout is stored head+tail bounded under {id}.result.
package attractor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// toolOutputLimit bounds how much captured stdout is kept in context.
// Longer captures keep the head and tail halves with a truncation marker.
const toolOutputLimit = 8 * 1024

// ToolHandler handles external command nodes (shape=parallelogram).
type ToolHandler struct{}

// Kind returns KindTool.
func (h *ToolHandler) Kind() HandlerKind { return KindTool }

// Execute runs tool_command through the shell in the working directory.
// The context carries the node deadline; expiry kills the process and
// the outcome reports a timeout failure.
func (h *ToolHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	command := ExpandVariables(node.attr("tool_command"), pctx)
	if command == "" {
		return &Outcome{
			Status:        StatusFail,
			FailureReason: "no tool_command specified for tool node " + node.ID,
		}, nil
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if workDir := pctx.GetString("_workdir", ""); workDir != "" {
		cmd.Dir = workDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	result := boundOutput(stdout.String(), toolOutputLimit)
	updates := map[string]any{
		node.ID + ".result": result,
	}

	if store != nil && stdout.Len() > 0 {
		_, _ = store.Store(node.ID+".stdout", "tool_output", stdout.Bytes())
	}

	if runErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return &Outcome{
				Status:         StatusFail,
				FailureReason:  "timeout",
				ContextUpdates: updates,
			}, nil
		}

		reason := fmt.Sprintf("tool command failed: %v", runErr)
		if s := strings.TrimSpace(stderr.String()); s != "" {
			reason = fmt.Sprintf("%s: %s", reason, boundOutput(s, 1024))
		}
		return &Outcome{
			Status:         StatusFail,
			FailureReason:  reason,
			ContextUpdates: updates,
		}, nil
	}

	return &Outcome{
		Status:         StatusSuccess,
		Notes:          "tool command completed at " + node.ID,
		ContextUpdates: updates,
	}, nil
}

// boundOutput keeps the head and tail halves of s when it exceeds limit.
func boundOutput(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	half := limit / 2
	return s[:half] + "\n...[output truncated]...\n" + s[len(s)-half:]
}
