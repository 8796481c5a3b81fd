package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/linkedin/goavro/v2"

	"github.com/redbco/redb-cdc/pkg/cdc"
)

// avroSchema is the fixed record schema for the binary Avro encoding. Row
// images and metadata travel as nullable JSON-encoded strings so the schema
// never changes with table shapes.
const avroSchema = `{
  "type": "record",
  "name": "ChangeEvent",
  "namespace": "com.redbco.cdc",
  "fields": [
    {"name": "id", "type": "string"},
    {"name": "source", "type": "string"},
    {"name": "schema", "type": "string"},
    {"name": "table", "type": "string"},
    {"name": "operation", "type": "string"},
    {"name": "timestamp_utc", "type": {"type": "long", "logicalType": "timestamp-micros"}},
    {"name": "offset", "type": "string"},
    {"name": "before", "type": ["null", "string"], "default": null},
    {"name": "after", "type": ["null", "string"], "default": null},
    {"name": "metadata", "type": ["null", "string"], "default": null}
  ]
}`

// AvroSerializer encodes events in binary Avro with the fixed ChangeEvent
// record schema.
type AvroSerializer struct {
	codec *goavro.Codec
}

// NewAvroSerializer creates the Avro serializer. The schema is a compile-time
// constant, so codec construction cannot fail at runtime.
func NewAvroSerializer() *AvroSerializer {
	codec, err := goavro.NewCodec(avroSchema)
	if err != nil {
		panic(fmt.Sprintf("invalid avro schema: %v", err))
	}
	return &AvroSerializer{codec: codec}
}

// Name returns "avro".
func (s *AvroSerializer) Name() string { return "avro" }

// ContentType returns the binary Avro MIME type.
func (s *AvroSerializer) ContentType() string { return "avro/binary" }

// Serialize encodes one event.
func (s *AvroSerializer) Serialize(event *cdc.ChangeEvent) ([]byte, error) {
	record := map[string]interface{}{
		"id":            event.ID,
		"source":        event.Source,
		"schema":        event.Schema,
		"table":         event.Table,
		"operation":     string(event.Operation),
		"timestamp_utc": event.TimestampUTC.UTC(),
		"offset":        event.Offset,
		"before":        nil,
		"after":         nil,
		"metadata":      nil,
	}
	for name, value := range map[string]interface{}{
		"before": event.Before, "after": event.After,
	} {
		row, ok := value.(map[string]interface{})
		if !ok || row == nil {
			continue
		}
		encoded, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s image for event %s: %w", name, event.ID, err)
		}
		record[name] = goavro.Union("string", string(encoded))
	}
	if len(event.Metadata) > 0 {
		encoded, err := json.Marshal(event.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata for event %s: %w", event.ID, err)
		}
		record["metadata"] = goavro.Union("string", string(encoded))
	}

	data, err := s.codec.BinaryFromNative(nil, record)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event %s: %w", event.ID, err)
	}
	return data, nil
}

// Deserialize decodes one event.
func (s *AvroSerializer) Deserialize(data []byte) (*cdc.ChangeEvent, error) {
	native, _, err := s.codec.NativeFromBinary(data)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize event: %w", err)
	}
	record, ok := native.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("failed to deserialize event: unexpected avro shape %T", native)
	}

	event := &cdc.ChangeEvent{
		ID:        avroString(record["id"]),
		Source:    avroString(record["source"]),
		Schema:    avroString(record["schema"]),
		Table:     avroString(record["table"]),
		Operation: cdc.Operation(avroString(record["operation"])),
		Offset:    avroString(record["offset"]),
	}
	if ts, ok := record["timestamp_utc"].(time.Time); ok {
		event.TimestampUTC = ts.UTC()
	}
	if encoded := avroUnionString(record["before"]); encoded != "" {
		if err := json.Unmarshal([]byte(encoded), &event.Before); err != nil {
			return nil, fmt.Errorf("failed to decode before image: %w", err)
		}
	}
	if encoded := avroUnionString(record["after"]); encoded != "" {
		if err := json.Unmarshal([]byte(encoded), &event.After); err != nil {
			return nil, fmt.Errorf("failed to decode after image: %w", err)
		}
	}
	if encoded := avroUnionString(record["metadata"]); encoded != "" {
		if err := json.Unmarshal([]byte(encoded), &event.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return event, nil
}

func avroString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func avroUnionString(v interface{}) string {
	union, ok := v.(map[string]interface{})
	if !ok {
		return ""
	}
	return avroString(union["string"])
}
