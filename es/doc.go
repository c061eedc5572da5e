// Package es provides core event sourcing and CQRS types.
//
// # Overview
//
// This package defines the values that flow between stores, backends and
// projections:
//   - EventContext: one event of an aggregate, at a caller-chosen sequence
//   - AggregateContext: a versioned snapshot of an aggregate's state
//   - QueryContext: a versioned read model derived from an aggregate's events
//   - Aggregate and Query: descriptors naming a type and how to fold events
//   - StorageError: the single error kind returned by stores
//   - Logger: the optional logging hook accepted everywhere
//
// # Design Philosophy
//
// Backend-agnostic core: the store package works against a small Backend
// interface (fixed statements, parameterized records). SQL databases,
// MongoDB, Redis and the in-memory map are adapters under es/adapters.
//
// Caller-assigned sequences: events carry the sequence the caller gives
// them. The storage key (aggregate type, aggregate id, sequence) is unique,
// so writing the same sequence twice is reported as
// store.ErrOptimisticConcurrency.
//
// Versioned rows: snapshots and queries are stored one row per aggregate
// (and query type) with a version. Under the default upsert policy a row is
// only replaced by an equal or higher version.
//
// # Quick Start
//
// 1. Open a backend and create its schema:
//
//	db, _ := sqlite.Open("app.db")
//	backend := sqlite.NewBackend(db, sqlite.DefaultStoreConfig())
//	if err := backend.EnsureSchema(ctx); err != nil {
//	    return err
//	}
//
// 2. Describe the aggregate and its projection:
//
//	var Customers = es.Aggregate[Customer]{Type: "customer"}
//
//	var Contacts = es.Query[Contact, CustomerEvent]{
//	    AggregateType: "customer",
//	    Type:          "customer_contact_query",
//	    Fold:          foldContact,
//	}
//
// 3. Append events and dispatch them:
//
//	events := store.NewEventStore[CustomerEvent](backend, Customers)
//	contacts := store.NewQueryStore(backend, Contacts)
//
//	batch := []es.EventContext[CustomerEvent]{
//	    {AggregateID: id, Sequence: 1, Payload: nameAdded},
//	    {AggregateID: id, Sequence: 2, Payload: emailUpdated},
//	}
//	if err := events.SaveEvents(ctx, batch); err != nil {
//	    return err
//	}
//	if err := contacts.Dispatch(ctx, id, batch); err != nil {
//	    return err
//	}
//
// 4. Read back:
//
//	contact, err := contacts.LoadQuery(ctx, id)
//	customer, err := projection.Rehydrate(ctx, events, id, applyCustomer)
//
// # Projections
//
// A dispatch loads the current query row, folds the batch into it, bumps
// its version by one and saves it, all inside one Backend.Atomic unit and
// under a per-aggregate lock. Delivery is at least once: dispatching the
// same batch twice folds it twice.
//
// See the projection package for rebuilds, rehydration and partitioning,
// and projection/runner for fanning a batch out to several dispatchers.
//
// # Design Decisions
//
// Opaque payloads: payloads are bytes produced by a codec (JSON by default,
// protobuf and BSON available), so each aggregate chooses its encoding.
//
// DBTX interface: SQL adapters accept *sql.DB or *sql.Tx. Given a *sql.DB
// they run atomic units in their own transaction; given a *sql.Tx they join
// the caller's.
package es
