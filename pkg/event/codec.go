package event

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Codec serializes event payloads. The event core never interprets
// payload bytes itself; producers and consumers agree on a codec.
type Codec interface {
	// Name identifies the codec (e.g. "json", "proto").
	Name() string

	// Marshal serializes v into payload bytes.
	Marshal(v any) ([]byte, error)

	// Unmarshal deserializes payload bytes into v.
	Unmarshal(data []byte, v any) error
}

// JSONCodec serializes payloads as JSON. This is the default codec.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// ProtoCodec serializes payloads as protobuf wire format.
// Values must implement proto.Message.
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return "proto" }

func (ProtoCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("proto codec: %T does not implement proto.Message", v)
	}
	return proto.Marshal(msg)
}

func (ProtoCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("proto codec: %T does not implement proto.Message", v)
	}
	return proto.Unmarshal(data, msg)
}
