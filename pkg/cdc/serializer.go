package cdc

// Serializer encodes ChangeEvents into a wire format and back. All
// serializers emit the same logical record; only the encoding differs.
type Serializer interface {
	// Name returns the registry name of the format (json, protobuf, avro).
	Name() string

	// ContentType returns the MIME type of the encoded payload.
	ContentType() string

	// Serialize encodes one event.
	Serialize(event *ChangeEvent) ([]byte, error)

	// Deserialize decodes one event.
	Deserialize(data []byte) (*ChangeEvent, error)
}
