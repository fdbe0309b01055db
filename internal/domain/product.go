package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	pkgerrors "github.com/k-code-yt/warehouse-ingest/pkg/errors"
)

type ArticleAmount struct {
	ArticleID string `bson:"articleId" json:"articleId"`
	Amount    int64  `bson:"amount" json:"amount"`
}

// RequiredArticles keeps the order the articles were listed in.
type RequiredArticles []ArticleAmount

// Value renders the list as JSON text. Text rather than bytes, since the
// postgres driver would send bytes as bytea.
func (r RequiredArticles) Value() (driver.Value, error) {
	if r == nil {
		return "[]", nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (r *RequiredArticles) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*r = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into RequiredArticles", src)
	}
	return json.Unmarshal(data, r)
}

type ProductRecord struct {
	Name             string           `bson:"_id" db:"name" json:"name"`
	RequiredArticles RequiredArticles `bson:"requiredArticles" db:"required_articles" json:"requiredArticles"`
	Version          int64            `bson:"version" db:"version" json:"version"`
	SourceTimestamp  time.Time        `bson:"sourceTimestamp" db:"source_ts" json:"sourceTimestamp"`
	CreatedAt        time.Time        `bson:"createdAt" db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time        `bson:"updatedAt" db:"updated_at" json:"updatedAt"`
}

type ProductUpdateEvent struct {
	Name             string
	RequiredArticles RequiredArticles
	SourceTimestamp  time.Time
	MsgID            string
}

func NewProductUpdateEvent(name string, articles []ArticleAmount, sourceTS time.Time) ProductUpdateEvent {
	cp := make(RequiredArticles, len(articles))
	copy(cp, articles)
	return ProductUpdateEvent{
		Name:             name,
		RequiredArticles: cp,
		SourceTimestamp:  NormalizeTimestamp(sourceTS),
	}
}

func (e ProductUpdateEvent) WithMessageID(id string) ProductUpdateEvent {
	e.MsgID = id
	return e
}

func (e ProductUpdateEvent) Kind() EntityKind     { return EntityKind_Product }
func (e ProductUpdateEvent) Key() string          { return e.Name }
func (e ProductUpdateEvent) Watermark() time.Time { return e.SourceTimestamp }
func (e ProductUpdateEvent) MessageID() string    { return e.MsgID }

func (e ProductUpdateEvent) Fields() []Field {
	articles := make(RequiredArticles, len(e.RequiredArticles))
	copy(articles, e.RequiredArticles)
	return []Field{
		{Name: FieldRequiredArticles, Value: articles},
	}
}

func (e ProductUpdateEvent) Validate() error {
	if e.Name == "" {
		return pkgerrors.NewValidationError("product event without name")
	}
	if e.SourceTimestamp.IsZero() {
		return pkgerrors.NewValidationError("product %s has no sourceTimestamp", e.Name)
	}
	for _, a := range e.RequiredArticles {
		if a.ArticleID == "" {
			return pkgerrors.NewValidationError("product %s lists an article without id", e.Name)
		}
		if a.Amount <= 0 {
			return pkgerrors.NewValidationError("product %s needs non-positive amount %d of %s", e.Name, a.Amount, a.ArticleID)
		}
	}
	return nil
}

type articleAmountWire struct {
	ArticleID       string  `json:"articleId,omitempty"`
	ArticleIDLegacy string  `json:"art_id,omitempty"`
	Amount          flexInt `json:"amount"`
	AmountLegacy    flexInt `json:"amount_of"`
}

type productWire struct {
	Name             string              `json:"name"`
	RequiredArticles []articleAmountWire `json:"requiredArticles"`
	ContainArticles  []articleAmountWire `json:"contain_articles"`
	SourceTimestamp  flexTime            `json:"sourceTimestamp"`
	FileCreatedAt    flexTime            `json:"fileCreatedAt"`
	MessageID        string              `json:"messageId,omitempty"`
}

func (e *ProductUpdateEvent) UnmarshalJSON(data []byte) error {
	var w productWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	src := w.RequiredArticles
	if src == nil {
		src = w.ContainArticles
	}
	articles := make(RequiredArticles, 0, len(src))
	for _, a := range src {
		articles = append(articles, ArticleAmount{
			ArticleID: firstString(a.ArticleID, a.ArticleIDLegacy),
			Amount:    firstInt(a.Amount, a.AmountLegacy).Value,
		})
	}
	*e = ProductUpdateEvent{
		Name:             w.Name,
		RequiredArticles: articles,
		SourceTimestamp:  firstTime(w.SourceTimestamp, w.FileCreatedAt).Value,
		MsgID:            w.MessageID,
	}
	return nil
}

func (e ProductUpdateEvent) MarshalJSON() ([]byte, error) {
	articles := e.RequiredArticles
	if articles == nil {
		articles = RequiredArticles{}
	}
	return json.Marshal(struct {
		Name             string           `json:"name"`
		RequiredArticles RequiredArticles `json:"requiredArticles"`
		SourceTimestamp  time.Time        `json:"sourceTimestamp"`
		MessageID        string           `json:"messageId,omitempty"`
	}{e.Name, articles, e.SourceTimestamp, e.MsgID})
}
