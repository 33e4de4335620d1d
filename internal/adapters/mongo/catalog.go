package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-checkout/internal/domain"
	"github.com/robertarktes/ticket-checkout/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CatalogRepository reads event documents owned by the catalog service.
// Checkout only needs the sale window and status.
type CatalogRepository struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewCatalogRepository(db *mongo.Database, logger observability.Logger) *CatalogRepository {
	return &CatalogRepository{
		coll:   db.Collection("events"),
		logger: logger,
	}
}

type EventDoc struct {
	ID           string    `bson:"_id"`
	Name         string    `bson:"name"`
	Venue        string    `bson:"venue"`
	StartsAt     time.Time `bson:"starts_at"`
	SalesStartAt time.Time `bson:"sales_start_at,omitempty"`
	SalesEndAt   time.Time `bson:"sales_end_at,omitempty"`
	Status       string    `bson:"status"`
	Currency     string    `bson:"currency"`
	CreatedAt    time.Time `bson:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

func (d EventDoc) toDomain() (*domain.Event, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "event document id %q", d.ID)
	}
	return &domain.Event{
		ID:           id,
		Name:         d.Name,
		Venue:        d.Venue,
		StartsAt:     d.StartsAt,
		SalesStartAt: d.SalesStartAt,
		SalesEndAt:   d.SalesEndAt,
		Status:       domain.EventStatus(d.Status),
		Currency:     d.Currency,
	}, nil
}

func (c *CatalogRepository) GetEvent(ctx context.Context, id uuid.UUID) (*domain.Event, error) {
	var doc EventDoc
	err := c.coll.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.Wrapf(domain.ErrNotFound, "event %s", id)
	}
	if err != nil {
		c.logger.WithError(err).WithField("event_id", id).Error("failed to get event")
		return nil, err
	}
	return doc.toDomain()
}

// PutEvent upserts an event document; used by seeding and tests.
func (c *CatalogRepository) PutEvent(ctx context.Context, ev domain.Event) error {
	now := time.Now().UTC()
	doc := EventDoc{
		ID:           ev.ID.String(),
		Name:         ev.Name,
		Venue:        ev.Venue,
		StartsAt:     ev.StartsAt,
		SalesStartAt: ev.SalesStartAt,
		SalesEndAt:   ev.SalesEndAt,
		Status:       string(ev.Status),
		Currency:     ev.Currency,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err := c.coll.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		c.logger.WithError(err).WithField("event_id", ev.ID).Error("failed to store event")
		return err
	}
	return nil
}
