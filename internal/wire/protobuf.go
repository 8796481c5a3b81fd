package wire

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/redbco/redb-cdc/pkg/cdc"
)

// ProtobufSerializer encodes events as a google.protobuf.Struct. Row images
// are open maps, so the schema-free Struct encoding carries them without a
// generated message per table.
type ProtobufSerializer struct{}

// NewProtobufSerializer creates the Protobuf serializer.
func NewProtobufSerializer() *ProtobufSerializer {
	return &ProtobufSerializer{}
}

// Name returns "protobuf".
func (s *ProtobufSerializer) Name() string { return "protobuf" }

// ContentType returns the Protobuf MIME type.
func (s *ProtobufSerializer) ContentType() string { return "application/x-protobuf" }

// Serialize encodes one event.
func (s *ProtobufSerializer) Serialize(event *cdc.ChangeEvent) ([]byte, error) {
	fields := map[string]interface{}{
		"id":            event.ID,
		"source":        event.Source,
		"schema":        event.Schema,
		"table":         event.Table,
		"operation":     string(event.Operation),
		"timestamp_utc": event.TimestampUTC.UTC().Format(time.RFC3339Nano),
		"offset":        event.Offset,
	}
	if event.Before != nil {
		fields["before"] = event.Before
	}
	if event.After != nil {
		fields["after"] = event.After
	}
	if len(event.Metadata) > 0 {
		metadata := make(map[string]interface{}, len(event.Metadata))
		for k, v := range event.Metadata {
			metadata[k] = v
		}
		fields["metadata"] = metadata
	}

	record, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build protobuf struct for event %s: %w", event.ID, err)
	}
	data, err := proto.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event %s: %w", event.ID, err)
	}
	return data, nil
}

// Deserialize decodes one event.
func (s *ProtobufSerializer) Deserialize(data []byte) (*cdc.ChangeEvent, error) {
	var record structpb.Struct
	if err := proto.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to deserialize event: %w", err)
	}
	fields := record.AsMap()

	event := &cdc.ChangeEvent{
		ID:        stringField(fields, "id"),
		Source:    stringField(fields, "source"),
		Schema:    stringField(fields, "schema"),
		Table:     stringField(fields, "table"),
		Operation: cdc.Operation(stringField(fields, "operation")),
		Offset:    stringField(fields, "offset"),
	}
	if ts := stringField(fields, "timestamp_utc"); ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp: %w", err)
		}
		event.TimestampUTC = parsed
	}
	if before, ok := fields["before"].(map[string]interface{}); ok {
		event.Before = before
	}
	if after, ok := fields["after"].(map[string]interface{}); ok {
		event.After = after
	}
	if metadata, ok := fields["metadata"].(map[string]interface{}); ok {
		event.Metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			if str, ok := v.(string); ok {
				event.Metadata[k] = str
			}
		}
	}
	return event, nil
}

func stringField(fields map[string]interface{}, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}
