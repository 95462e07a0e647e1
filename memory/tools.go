package memory

import (
	"strings"

	"github.com/hupe1980/spacebot/core"
	"github.com/hupe1980/spacebot/tool"
)

const defaultRecallLimit = 5

type saveArgs struct {
	Content string   `json:"content" description:"The fact or note to remember"`
	Tags    []string `json:"tags,omitempty" description:"Optional labels"`
}

type recallArgs struct {
	Query string `json:"query" description:"What to search for"`
	Limit int    `json:"limit,omitempty" description:"Maximum number of memories to return"`
}

// Tools returns memory_save and memory_recall bound to store. Memories are
// scoped by the calling process's agent id.
func Tools(store core.MemoryStore) []tool.Tool {
	return []tool.Tool{SaveTool(store), RecallTool(store)}
}

// SaveTool persists a memory for the calling agent.
func SaveTool(store core.MemoryStore) *tool.FunctionTool {
	return tool.NewFunctionToolFromStruct(
		"memory_save",
		"Save a fact or note to long-term memory.",
		saveArgs{},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			md := map[string]any{
				"process_id": string(tc.ProcessID()),
				"kind":       string(tc.Kind()),
			}
			if ch := tc.ChannelID(); ch != "" {
				md["channel_id"] = string(ch)
			}
			if tags, ok := args["tags"].([]any); ok && len(tags) > 0 {
				md["tags"] = tags
			}

			id, err := store.Store(string(tc.AgentID()), tool.StringArg(args, "content"), md)
			if err != nil {
				return nil, err
			}

			return map[string]any{"id": id, "saved": true}, nil
		},
	)
}

// RecallTool searches the calling agent's memories.
func RecallTool(store core.MemoryStore) *tool.FunctionTool {
	return tool.NewFunctionToolFromStruct(
		"memory_recall",
		"Search long-term memory for relevant facts.",
		recallArgs{},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			query := strings.TrimSpace(tool.StringArg(args, "query"))
			results, err := store.Search(string(tc.AgentID()), query, tool.IntArg(args, "limit", defaultRecallLimit))
			if err != nil {
				return nil, err
			}

			out := make([]map[string]any, len(results))
			for i, r := range results {
				out[i] = map[string]any{"id": r.ID, "content": r.Content, "score": r.Score}
			}

			return map[string]any{"query": query, "results": out}, nil
		},
	)
}
