package notify

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	FormatJSON     = "json"
	FormatProtobuf = "protobuf"
)

// EncodePayload renders msg for message brokers. The protobuf form is a
// google.protobuf.Struct so consumers need no generated schema.
func EncodePayload(format string, msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if format != FormatProtobuf {
		return data, nil
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("flatten payload: %w", err)
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build protobuf struct: %w", err)
	}
	out, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal protobuf payload: %w", err)
	}
	return out, nil
}
