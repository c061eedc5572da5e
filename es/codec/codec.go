// Package codec converts payloads and metadata to and from the bytes a
// backend stores.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"
)

// ErrUnsupportedType is returned when a codec cannot handle a value's type.
var ErrUnsupportedType = errors.New("unsupported type")

// Codec serializes values to bytes and back.
// Unmarshal always receives a pointer to the destination value.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSON encodes values with encoding/json.
type JSON struct{}

// Name implements Codec.
func (JSON) Name() string { return "json" }

// Marshal implements Codec.
func (JSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal implements Codec.
func (JSON) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Proto encodes protobuf messages in the binary wire format.
// Both message values (*pb.T) and pointers to message pointers (**pb.T) are
// accepted by Unmarshal; a nil message pointer is allocated.
type Proto struct{}

// Name implements Codec.
func (Proto) Name() string { return "proto" }

// Marshal implements Codec.
func (Proto) Marshal(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("proto marshal %T: %w", v, ErrUnsupportedType)
	}
	return proto.Marshal(m)
}

// Unmarshal implements Codec.
func (Proto) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Pointer {
		return fmt.Errorf("proto unmarshal %T: %w", v, ErrUnsupportedType)
	}
	elem := rv.Elem()
	if elem.IsNil() {
		elem.Set(reflect.New(elem.Type().Elem()))
	}
	m, ok := elem.Interface().(proto.Message)
	if !ok {
		return fmt.Errorf("proto unmarshal %T: %w", v, ErrUnsupportedType)
	}
	return proto.Unmarshal(data, m)
}

// Raw passes bytes through untouched. It supports []byte, json.RawMessage and
// string values and is used by tooling that inspects stored records without
// knowing their types.
type Raw struct{}

// Name implements Codec.
func (Raw) Name() string { return "raw" }

// Marshal implements Codec.
func (Raw) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		return nil, fmt.Errorf("raw marshal %T: %w", v, ErrUnsupportedType)
	}
}

// Unmarshal implements Codec.
func (Raw) Unmarshal(data []byte, v any) error {
	cp := append([]byte(nil), data...)
	switch p := v.(type) {
	case *[]byte:
		*p = cp
	case *json.RawMessage:
		*p = cp
	case *string:
		*p = string(cp)
	default:
		return fmt.Errorf("raw unmarshal %T: %w", v, ErrUnsupportedType)
	}
	return nil
}

// ByName returns the built-in codec registered under name.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "proto":
		return Proto{}, nil
	case "raw":
		return Raw{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}
