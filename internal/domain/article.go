package domain

import (
	"encoding/json"
	"time"

	pkgerrors "github.com/k-code-yt/warehouse-ingest/pkg/errors"
)

type ArticleRecord struct {
	ID              string    `bson:"_id" db:"id" json:"id"`
	Name            string    `bson:"name" db:"name" json:"name"`
	Stock           int64     `bson:"stock" db:"stock" json:"stock"`
	Version         int64     `bson:"version" db:"version" json:"version"`
	SourceTimestamp time.Time `bson:"sourceTimestamp" db:"source_ts" json:"sourceTimestamp"`
	LastMessageID   *string   `bson:"lastMessageId,omitempty" db:"last_message_id" json:"lastMessageId,omitempty"`
	CreatedAt       time.Time `bson:"createdAt" db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time `bson:"updatedAt" db:"updated_at" json:"updatedAt"`
}

type InventoryUpdateEvent struct {
	ArtID           string
	Name            string
	Stock           int64
	SourceTimestamp time.Time
	MsgID           string
}

func NewInventoryUpdateEvent(artID, name string, stock int64, sourceTS time.Time) InventoryUpdateEvent {
	return InventoryUpdateEvent{
		ArtID:           artID,
		Name:            name,
		Stock:           stock,
		SourceTimestamp: NormalizeTimestamp(sourceTS),
	}
}

// WithMessageID returns a copy of the event carrying an idempotency marker.
func (e InventoryUpdateEvent) WithMessageID(id string) InventoryUpdateEvent {
	e.MsgID = id
	return e
}

func (e InventoryUpdateEvent) Kind() EntityKind     { return EntityKind_Article }
func (e InventoryUpdateEvent) Key() string          { return e.ArtID }
func (e InventoryUpdateEvent) Watermark() time.Time { return e.SourceTimestamp }
func (e InventoryUpdateEvent) MessageID() string    { return e.MsgID }

func (e InventoryUpdateEvent) Fields() []Field {
	return []Field{
		{Name: FieldName, Value: e.Name},
		{Name: FieldStock, Value: e.Stock},
	}
}

func (e InventoryUpdateEvent) Validate() error {
	if e.ArtID == "" {
		return pkgerrors.NewValidationError("inventory event without artId")
	}
	if e.Stock < 0 {
		return pkgerrors.NewValidationError("article %s has negative stock %d", e.ArtID, e.Stock)
	}
	if e.SourceTimestamp.IsZero() {
		return pkgerrors.NewValidationError("article %s has no sourceTimestamp", e.ArtID)
	}
	return nil
}

type inventoryWire struct {
	ArtID           string   `json:"artId,omitempty"`
	ArtIDLegacy     string   `json:"art_id,omitempty"`
	Name            string   `json:"name"`
	Stock           flexInt  `json:"stock"`
	SourceTimestamp flexTime `json:"sourceTimestamp"`
	FileCreatedAt   flexTime `json:"fileCreatedAt"`
	MessageID       string   `json:"messageId,omitempty"`
}

func (e *InventoryUpdateEvent) UnmarshalJSON(data []byte) error {
	var w inventoryWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = InventoryUpdateEvent{
		ArtID:           firstString(w.ArtID, w.ArtIDLegacy),
		Name:            w.Name,
		Stock:           w.Stock.Value,
		SourceTimestamp: firstTime(w.SourceTimestamp, w.FileCreatedAt).Value,
		MsgID:           w.MessageID,
	}
	return nil
}

func (e InventoryUpdateEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ArtID           string    `json:"artId"`
		Name            string    `json:"name"`
		Stock           int64     `json:"stock"`
		SourceTimestamp time.Time `json:"sourceTimestamp"`
		MessageID       string    `json:"messageId,omitempty"`
	}{e.ArtID, e.Name, e.Stock, e.SourceTimestamp, e.MsgID})
}
