package backend

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/campdir/campdir/core/access"
)

// Configuration is the declarative description of the entire backend: the
// resource collections, their relations and their access policies.
type Configuration struct {
	Collections []CollectionConfiguration `json:"collections"`
}

// CollectionConfiguration describes one resource collection.
//
// A collection with a Parent lives below that parent: its records carry a
// cascading reference and its routes are mounted both standalone and below
// the parent's routes. An Owned collection stamps the creating user onto
// every record; mutations by non-elevated roles are then restricted to the
// record's owner.
type CollectionConfiguration struct {
	Resource    string `json:"resource"`
	Description string `json:"description,omitempty"`
	Parent      string `json:"parent,omitempty"`

	// SchemaID selects the JSON validation schema for documents of this
	// collection. Validation is skipped when empty.
	SchemaID string `json:"schema_id,omitempty"`

	// Permits is the role policy for this collection. The admin role is
	// implicit and always permitted.
	Permits access.Permits `json:"permits,omitempty"`

	Owned bool `json:"owned,omitempty"`

	// ElevatedRoles bypass the ownership restriction on mutations.
	// Defaults to ["admin"].
	ElevatedRoles []string `json:"elevated_roles,omitempty"`

	// SinglePerOwner limits non-elevated owners to one record in this
	// collection.
	SinglePerOwner bool `json:"single_per_owner,omitempty"`

	// ParentOwnership requires the creating principal to own the parent
	// record, unless elevated. Only meaningful with a Parent.
	ParentOwnership bool `json:"parent_ownership,omitempty"`

	// StaticProperties are stored as typed columns instead of the dynamic
	// properties document, which makes them cheap to filter and index.
	StaticProperties []string `json:"static_properties,omitempty"`

	// HiddenProperties are static properties that are stored but never
	// returned to clients, such as credential material.
	HiddenProperties []string `json:"hidden_properties,omitempty"`

	// ExternalIndex names a static property with a unique index, usable
	// for lookup, such as an email address.
	ExternalIndex string `json:"external_index,omitempty"`

	// Populate names the parent collection to embed inline on read and
	// list responses.
	Populate string `json:"populate,omitempty"`

	// WithPhoto adds a photo upload route to the collection.
	WithPhoto bool `json:"with_photo,omitempty"`
}

// MustNewConfiguration parses a configuration from its JSON representation
// and panics on error. Use for static configurations known at compile time.
func MustNewConfiguration(configurationJSON string) Configuration {
	var configuration Configuration
	if err := json.Unmarshal([]byte(configurationJSON), &configuration); err != nil {
		panic(fmt.Sprintf("parse error in configuration: %v", err))
	}
	return configuration
}
