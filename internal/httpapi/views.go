package httpapi

import (
	"context"
	"encoding/json"

	"github.com/getpup/cqrsstore/es"
	"github.com/getpup/cqrsstore/es/codec"
	"github.com/getpup/cqrsstore/es/store"
)

// EventView is one event in a response.
type EventView struct {
	Sequence int64             `json:"sequence"`
	Payload  any               `json:"payload"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// EventsResponse is the body of GET /aggregates/:type/:id/events.
type EventsResponse struct {
	AggregateType string      `json:"aggregate_type"`
	AggregateID   string      `json:"aggregate_id"`
	Events        []EventView `json:"events"`
}

// VersionedResponse is the body of the snapshot and query endpoints.
type VersionedResponse struct {
	AggregateType string `json:"aggregate_type"`
	AggregateID   string `json:"aggregate_id"`
	QueryType     string `json:"query_type,omitempty"`
	Version       int64  `json:"version"`
	Payload       any    `json:"payload"`
}

// LoadEvents reads the events of any aggregate type stored in backend,
// skipping those at or below after. logger may be nil.
func LoadEvents(ctx context.Context, backend store.Backend, logger es.Logger, aggregateType, aggregateID string, after int64) (EventsResponse, error) {
	events := store.NewEventStore[[]byte](backend, es.Aggregate[[]byte]{Type: aggregateType}, rawOptions(logger)...)
	loaded, err := events.LoadEventsAfter(ctx, aggregateID, after)
	if err != nil {
		return EventsResponse{}, err
	}

	resp := EventsResponse{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Events:        make([]EventView, len(loaded)),
	}
	for i, e := range loaded {
		resp.Events[i] = EventView{Sequence: e.Sequence, Payload: payloadJSON(e.Payload), Metadata: e.Metadata}
	}
	return resp, nil
}

// LoadSnapshot reads an aggregate snapshot. A missing snapshot has
// version 0 and a null payload.
func LoadSnapshot(ctx context.Context, backend store.Backend, logger es.Logger, aggregateType, aggregateID string) (VersionedResponse, error) {
	events := store.NewEventStore[[]byte](backend, es.Aggregate[[]byte]{Type: aggregateType}, rawOptions(logger)...)
	snapshot, err := events.LoadAggregateFromSnapshot(ctx, aggregateID)
	if err != nil {
		return VersionedResponse{}, err
	}
	return VersionedResponse{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Version:       snapshot.Version,
		Payload:       payloadJSON(snapshot.Payload),
	}, nil
}

// LoadQuery reads one query projection. A missing row has version 0 and a
// null payload.
func LoadQuery(ctx context.Context, backend store.Backend, logger es.Logger, aggregateType, aggregateID, queryType string) (VersionedResponse, error) {
	queries := store.NewQueryStore(backend, es.Query[[]byte, []byte]{
		AggregateType: aggregateType,
		Type:          queryType,
	}, rawOptions(logger)...)
	query, err := queries.LoadQuery(ctx, aggregateID)
	if err != nil {
		return VersionedResponse{}, err
	}
	return VersionedResponse{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		QueryType:     queryType,
		Version:       query.Version,
		Payload:       payloadJSON(query.Payload),
	}, nil
}

func rawOptions(logger es.Logger) []store.Option {
	return []store.Option{
		store.WithCodec(codec.Raw{}),
		store.WithLogger(logger),
		store.WithLocker(store.NopLocker{}),
	}
}

// payloadJSON embeds JSON payloads as they are and lets anything else
// marshal as a base64 string.
func payloadJSON(p []byte) any {
	if p == nil {
		return nil
	}
	if json.Valid(p) {
		return json.RawMessage(p)
	}
	return p
}
