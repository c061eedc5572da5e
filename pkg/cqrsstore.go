// Package cqrsstore provides event and query persistence for CQRS
// applications in Go.
//
// This package serves as the main entry point for the library.
// The functionality lives in the es package and its subpackages:
//
//	es                   - Core types, logger and errors
//	es/store             - Event store and query store contracts
//	es/adapters/...      - memory, postgres, mysql, sqlite, gormstore, mongodb, redis
//	es/projection        - Rehydration, rebuilds and partitioning
//	es/dispatch/kafkapub - Kafka publisher
//	es/telemetry         - OpenTelemetry decorators
//	es/schema            - Bootstrap DDL per SQL dialect
//
// Quick Start:
//
//  1. Create a backend and stores:
//     db, _ := sqlite.Open("app.db")
//     backend := sqlite.NewBackend(db, sqlite.DefaultStoreConfig())
//     backend.EnsureSchema(ctx)
//     events := store.NewEventStore[CustomerEvent](backend, CustomerAggregate)
//     contacts := store.NewQueryStore(backend, ContactQuery)
//
//  2. Append events and dispatch them to the projection:
//     events.SaveEvents(ctx, batch)
//     contacts.Dispatch(ctx, id, batch)
//
// See the examples directory for complete working examples.
package cqrsstore

// Version returns the current version of the library.
func Version() string {
	return "0.1.0-dev"
}
