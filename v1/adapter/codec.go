package adapter

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	stdErrors "errors"
)

// Codec encodes store values for backends that hold bytes.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec implements Codec using encoding/json. It is the RedisStore default.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// GobCodec implements Codec using encoding/gob.
type GobCodec struct{}

func (GobCodec) Marshal(v any) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(v); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (GobCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// RawCodec stores string values verbatim so they stay readable from
// redis-cli. It fails for any other type.
type RawCodec struct{}

func (RawCodec) Marshal(v any) ([]byte, error) {
	switch s := v.(type) {
	case string:
		return []byte(s), nil
	case *string:
		return []byte(*s), nil
	}
	return nil, stdErrors.New("RawCodec: value is not a string")
}

func (RawCodec) Unmarshal(data []byte, v any) error {
	if ptr, ok := v.(*string); ok {
		*ptr = string(data)
		return nil
	}
	return stdErrors.New("RawCodec: v is not *string")
}
