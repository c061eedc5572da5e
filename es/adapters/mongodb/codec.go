package mongodb

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/getpup/cqrsstore/es/codec"
)

// BSON encodes payloads as BSON documents so they are stored as embedded
// documents and stay queryable from the mongo shell. Only struct and map
// payloads are supported.
type BSON struct{}

var _ codec.Codec = BSON{}

// Name implements codec.Codec.
func (BSON) Name() string { return "bson" }

// Marshal implements codec.Codec.
func (BSON) Marshal(v any) ([]byte, error) {
	data, err := bson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("bson marshal %T: %w", v, err)
	}
	return data, nil
}

// Unmarshal implements codec.Codec.
func (BSON) Unmarshal(data []byte, v any) error {
	if err := bson.Unmarshal(data, v); err != nil {
		return fmt.Errorf("bson unmarshal %T: %w", v, err)
	}
	return nil
}
