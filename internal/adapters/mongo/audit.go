package mongo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-checkout/internal/domain"
	"github.com/robertarktes/ticket-checkout/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("audit_logs"),
		logger: logger,
	}
}

type AuditLog struct {
	ID        string    `bson:"_id"`
	Action    string    `bson:"action"`
	OrderID   string    `bson:"order_id"`
	BuyerID   string    `bson:"buyer_id"`
	Timestamp time.Time `bson:"timestamp"`
	Data      bson.M    `bson:"data"`
}

func (a *AuditLogger) LogEvent(ctx context.Context, action string, order domain.Order, at time.Time, data map[string]interface{}) error {
	log := AuditLog{
		ID:        uuid.NewString(),
		Action:    action,
		OrderID:   order.ID.String(),
		BuyerID:   order.BuyerID,
		Timestamp: at,
		Data:      bson.M(data),
	}
	_, err := a.coll.InsertOne(ctx, log)
	if err != nil {
		a.logger.WithError(err).WithField("action", action).Error("failed to insert audit log")
		return err
	}
	return nil
}

// LogTransition records one committed order transition.
func (a *AuditLogger) LogTransition(ctx context.Context, order domain.Order, t domain.Transition) error {
	data := map[string]interface{}{
		"event":   string(t.Event),
		"from":    string(t.From),
		"to":      string(t.To),
		"total":   order.TotalAmount,
		"tickets": len(order.Tickets),
	}
	if order.PaymentRef != nil {
		data["payment_ref"] = *order.PaymentRef
	}
	return a.LogEvent(ctx, "order."+string(t.To), order, t.At, data)
}

// History returns the audit entries of an order, oldest first.
func (a *AuditLogger) History(ctx context.Context, orderID uuid.UUID) ([]AuditLog, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	cur, err := a.coll.Find(ctx, bson.M{"order_id": orderID.String()}, opts)
	if err != nil {
		return nil, err
	}
	var logs []AuditLog
	if err := cur.All(ctx, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}
