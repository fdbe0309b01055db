package domain

import (
	"time"
)

type EntityKind string

const (
	EntityKind_Article EntityKind = "article"
	EntityKind_Product EntityKind = "product"
)

// Document field names shared by every store backend. Backends that do not
// speak documents map them onto their own column names.
const (
	FieldKey           = "_id"
	FieldVersion       = "version"
	FieldWatermark     = "sourceTimestamp"
	FieldLastMessageID = "lastMessageId"
	FieldCreatedAt     = "createdAt"
	FieldUpdatedAt     = "updatedAt"

	FieldName             = "name"
	FieldStock            = "stock"
	FieldRequiredArticles = "requiredArticles"
)

// InitialVersion is the version a record gets on creation.
const InitialVersion int64 = 0

type Field struct {
	Name  string
	Value any
}

// UpdateEvent is the contract the persistence layer needs from an inbound
// event of either entity kind.
type UpdateEvent interface {
	Kind() EntityKind
	Key() string
	Watermark() time.Time
	MessageID() string
	// Fields returns the mutable business fields in a stable order.
	Fields() []Field
	Validate() error
}

// NormalizeTimestamp drops precision below a millisecond, which is what the
// document store keeps.
func NormalizeTimestamp(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Millisecond)
}
