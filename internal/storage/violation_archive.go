package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/TokeNoMax/agardotfun-sub001/internal/logging"
	"github.com/TokeNoMax/agardotfun-sub001/internal/validator"
)

// ViolationArchive пишет нарушения античита в MongoDB для разбора
// постфактум. Скользящий журнал валидатора короткий и живёт в памяти;
// архив — длинная история для модерации.
type ViolationArchive struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// archivedViolation документ нарушения в коллекции
type archivedViolation struct {
	EntityID  string    `bson:"entity_id"`
	Kind      string    `bson:"kind"`
	Severity  string    `bson:"severity"`
	Details   string    `bson:"details"`
	Timestamp time.Time `bson:"timestamp"`
}

// NewViolationArchive подключается к MongoDB и готовит коллекцию
func NewViolationArchive(ctx context.Context, uri string) (*ViolationArchive, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("подключение к MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("проверка соединения с MongoDB: %w", err)
	}

	collection := client.Database("sync").Collection("violations")

	// TTL-индекс: архив хранит 30 дней, дальше Mongo чистит сам
	_, err = collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "entity_id", Value: 1}, {Key: "timestamp", Value: -1}},
			Options: options.Index(),
		},
		{
			Keys:    bson.D{{Key: "timestamp", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(30 * 24 * 3600),
		},
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("создание индексов архива: %w", err)
	}

	logging.LogInfo("Архив нарушений MongoDB подключен")
	return &ViolationArchive{client: client, collection: collection}, nil
}

// Archive сохраняет нарушение. Подходит как ViolationHandler валидатора:
// вызов не блокирует проверку, ошибки записи только логируются.
func (a *ViolationArchive) Archive(v validator.Violation) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	doc := archivedViolation{
		EntityID:  v.EntityID,
		Kind:      string(v.Kind),
		Severity:  v.Severity.String(),
		Details:   v.Details,
		Timestamp: v.Timestamp,
	}

	if _, err := a.collection.InsertOne(ctx, doc); err != nil {
		logging.LogWarn("Архивация нарушения %s/%s: %v", v.EntityID, v.Kind, err)
	}
}

// Recent возвращает последние нарушения участника, новые первыми
func (a *ViolationArchive) Recent(ctx context.Context, entityID string, limit int64) ([]validator.Violation, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(limit)

	cursor, err := a.collection.Find(ctx, bson.M{"entity_id": entityID}, opts)
	if err != nil {
		return nil, fmt.Errorf("поиск нарушений %s: %w", entityID, err)
	}
	defer cursor.Close(ctx)

	var docs []archivedViolation
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("чтение нарушений %s: %w", entityID, err)
	}

	out := make([]validator.Violation, 0, len(docs))
	for _, doc := range docs {
		out = append(out, validator.Violation{
			EntityID:  doc.EntityID,
			Kind:      validator.ViolationKind(doc.Kind),
			Details:   doc.Details,
			Timestamp: doc.Timestamp,
			Severity:  severityFromString(doc.Severity),
		})
	}
	return out, nil
}

// Close отключается от MongoDB
func (a *ViolationArchive) Close(ctx context.Context) error {
	return a.client.Disconnect(ctx)
}

func severityFromString(s string) validator.Severity {
	switch s {
	case "critical":
		return validator.SeverityCritical
	case "high":
		return validator.SeverityHigh
	case "medium":
		return validator.SeverityMedium
	default:
		return validator.SeverityLow
	}
}
