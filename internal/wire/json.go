package wire

import (
	"encoding/json"
	"fmt"

	"github.com/redbco/redb-cdc/pkg/cdc"
)

// JSONSerializer encodes events as JSON with snake_case fields. This is the
// default wire format.
type JSONSerializer struct{}

// NewJSONSerializer creates the JSON serializer.
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{}
}

// Name returns "json".
func (s *JSONSerializer) Name() string { return "json" }

// ContentType returns the JSON MIME type.
func (s *JSONSerializer) ContentType() string { return "application/json" }

// Serialize encodes one event.
func (s *JSONSerializer) Serialize(event *cdc.ChangeEvent) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event %s: %w", event.ID, err)
	}
	return data, nil
}

// Deserialize decodes one event.
func (s *JSONSerializer) Deserialize(data []byte) (*cdc.ChangeEvent, error) {
	var event cdc.ChangeEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("failed to deserialize event: %w", err)
	}
	return &event, nil
}
