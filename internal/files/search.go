package files

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/szaher/deskmate/internal/llm"
)

// SearchToolName is the registry name of the upload search tool.
const SearchToolName = "files__search"

// SearchTool exposes Index.Search to the model.
type SearchTool struct {
	index *Index
	limit int
}

// NewSearchTool returns a tool searching index, returning at most limit
// matches per call.
func NewSearchTool(index *Index, limit int) *SearchTool {
	return &SearchTool{index: index, limit: limit}
}

// Definition describes the tool to the model.
func (t *SearchTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        SearchToolName,
		Description: "Search the user's uploaded files by name and content. Returns matching lines with the file they come from.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Text to look for, matched case-insensitively.",
				},
			},
			"required": []string{"query"},
		},
	}
}

// Execute implements tools.Executor.
func (t *SearchTool) Execute(_ context.Context, input map[string]interface{}) (string, error) {
	query, _ := input["query"].(string)
	if query == "" {
		return "", fmt.Errorf("files search: query is required")
	}

	matches := t.index.Search(query, t.limit)
	if len(matches) == 0 {
		return fmt.Sprintf("No uploaded file mentions %q.", query), nil
	}
	data, err := json.Marshal(matches)
	if err != nil {
		return "", fmt.Errorf("files search: %w", err)
	}
	return string(data), nil
}
