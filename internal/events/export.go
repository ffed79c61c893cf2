package events

import (
	"encoding/json"
	"fmt"
	"os"
)

// ExportLog writes collected events to path as an indented JSON array.
func ExportLog(events []*Event, path string) error {
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write event log: %w", err)
	}
	return nil
}
