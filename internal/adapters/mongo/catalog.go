// Package mongo holds the event catalog: descriptive metadata about events
// and their tiers. The catalog is consulted before a reservation is placed;
// it never carries capacity counters, those live in the ledger store only.
package mongo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/eventloom/ticket-admission/internal/domain"
	"github.com/eventloom/ticket-admission/internal/observability"
)

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
	ID        uuid.UUID `bson:"_id"`
	Name      string    `bson:"name"`
	City      string    `bson:"city"`
	Venue     string    `bson:"venue"`
	Date      time.Time `bson:"date"`
	Tiers     []TierDoc `bson:"tiers"`
	Archived  bool      `bson:"archived"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type TierDoc struct {
	Name        string  `bson:"name"`
	Description string  `bson:"description"`
	Price       float64 `bson:"price"`
}

func (c *CatalogRepository) GetEvent(ctx context.Context, id uuid.UUID) (*EventDoc, error) {
	var event EventDoc
	err := c.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&event)
	if err != nil {
		c.logger.Error("failed to get event", err)
		return nil, err
	}
	return &event, nil
}

// HasTier reports whether the event lists the named tier.
func (e *EventDoc) HasTier(tier domain.Tier) bool {
	for _, t := range e.Tiers {
		if domain.Tier(t.Name) == tier {
			return true
		}
	}
	return false
}

func (c *CatalogRepository) CreateEvent(ctx context.Context, event EventDoc) error {
	event.CreatedAt = time.Now()
	event.UpdatedAt = time.Now()
	_, err := c.coll.InsertOne(ctx, event)
	if err != nil {
		c.logger.Error("failed to create event", err)
		return err
	}
	return nil
}

// ArchiveEvent marks a closed event; its capacity rows stay in the ledger
// store for audit but the event stops being offered.
func (c *CatalogRepository) ArchiveEvent(ctx context.Context, id uuid.UUID) error {
	_, err := c.coll.UpdateOne(
		ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"archived": true, "updated_at": time.Now()}},
	)
	if err != nil {
		c.logger.Error("failed to archive event", err)
		return err
	}
	return nil
}
