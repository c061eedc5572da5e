// Package storetest is a conformance suite run against every backend.
package storetest

import (
	"github.com/getpup/cqrsstore/es"
)

// CustomerEvent is a variant: exactly one field is set.
type CustomerEvent struct {
	NameAdded      *NameAdded      `json:"NameAdded,omitempty" bson:"name_added,omitempty"`
	EmailUpdated   *EmailUpdated   `json:"EmailUpdated,omitempty" bson:"email_updated,omitempty"`
	AddressUpdated *AddressUpdated `json:"AddressUpdated,omitempty" bson:"address_updated,omitempty"`
}

// NameAdded sets the customer's name.
type NameAdded struct {
	ChangedName string `json:"changed_name" bson:"changed_name"`
}

// EmailUpdated replaces the customer's email.
type EmailUpdated struct {
	NewEmail string `json:"new_email" bson:"new_email"`
}

// AddressUpdated replaces the customer's address.
type AddressUpdated struct {
	NewAddress string `json:"new_address" bson:"new_address"`
}

// Customer is the aggregate state.
type Customer struct {
	CustomerID string   `json:"customer_id" bson:"customer_id"`
	Name       string   `json:"name" bson:"name"`
	Email      string   `json:"email" bson:"email"`
	Addresses  []string `json:"addresses,omitempty" bson:"addresses,omitempty"`
}

// CustomerContact is a query projection of the customer's contact details.
type CustomerContact struct {
	Name    string `json:"name" bson:"name"`
	Email   string `json:"email" bson:"email"`
	Address string `json:"address" bson:"address"`
	Updates int    `json:"updates" bson:"updates"`
}

// EventCount counts the events dispatched to it.
type EventCount struct {
	Count int `json:"count" bson:"count"`
}

// Order tracks how many lines are in each state. Its default is not the
// zero value.
type Order struct {
	Lines map[string]int `json:"lines" bson:"lines"`
}

// NewOrder returns an order with one pending line.
func NewOrder() Order {
	return Order{Lines: map[string]int{"pending": 1}}
}

// ShipOrder moves every pending line to shipped.
func ShipOrder(o Order, _ es.EventContext[CustomerEvent]) Order {
	lines := make(map[string]int, len(o.Lines))
	for state, n := range o.Lines {
		if state == "pending" {
			state = "shipped"
		}
		lines[state] += n
	}
	return Order{Lines: lines}
}

// OrderAggregate describes an aggregate with a non-empty default.
var OrderAggregate = es.Aggregate[Order]{Type: "order", New: NewOrder}

// ShippingQuery is a projection with a non-empty default.
var ShippingQuery = es.Query[Order, CustomerEvent]{
	AggregateType: "order",
	Type:          "order_shipping_query",
	New:           NewOrder,
	Fold:          ShipOrder,
}

// CustomerAggregate describes the customer aggregate.
var CustomerAggregate = es.Aggregate[Customer]{Type: "customer"}

// ContactQuery describes the contact projection.
var ContactQuery = es.Query[CustomerContact, CustomerEvent]{
	AggregateType: "customer",
	Type:          "customer_contact_query",
	Fold:          FoldContact,
}

// FoldContact applies one customer event to the contact projection.
func FoldContact(q CustomerContact, event es.EventContext[CustomerEvent]) CustomerContact {
	switch p := event.Payload; {
	case p.NameAdded != nil:
		q.Name = p.NameAdded.ChangedName
	case p.EmailUpdated != nil:
		q.Email = p.EmailUpdated.NewEmail
	case p.AddressUpdated != nil:
		q.Address = p.AddressUpdated.NewAddress
	}
	q.Updates++
	return q
}

// ApplyCustomer applies one customer event to the aggregate.
func ApplyCustomer(c Customer, event es.EventContext[CustomerEvent]) Customer {
	c.CustomerID = event.AggregateID
	switch p := event.Payload; {
	case p.NameAdded != nil:
		c.Name = p.NameAdded.ChangedName
	case p.EmailUpdated != nil:
		c.Email = p.EmailUpdated.NewEmail
	case p.AddressUpdated != nil:
		c.Addresses = append(c.Addresses, p.AddressUpdated.NewAddress)
	}
	return c
}

// Name returns a NameAdded event.
func Name(name string) CustomerEvent {
	return CustomerEvent{NameAdded: &NameAdded{ChangedName: name}}
}

// Email returns an EmailUpdated event.
func Email(email string) CustomerEvent {
	return CustomerEvent{EmailUpdated: &EmailUpdated{NewEmail: email}}
}

// Address returns an AddressUpdated event.
func Address(address string) CustomerEvent {
	return CustomerEvent{AddressUpdated: &AddressUpdated{NewAddress: address}}
}

// Events builds contexts for aggregateID with sequences starting at first.
func Events(aggregateID string, first int64, payloads ...CustomerEvent) []es.EventContext[CustomerEvent] {
	events := make([]es.EventContext[CustomerEvent], len(payloads))
	for i, p := range payloads {
		events[i] = es.EventContext[CustomerEvent]{
			AggregateID: aggregateID,
			Sequence:    first + int64(i),
			Payload:     p,
			Metadata:    map[string]string{"causation_id": aggregateID + "-cmd"},
		}
	}
	return events
}
