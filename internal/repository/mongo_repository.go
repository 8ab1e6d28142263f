package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const abandonedCartTTL = 90 * 24 * time.Hour

// cartLineDoc is one remote cart line. Prices are stored as strings so no
// precision is lost through BSON doubles.
type cartLineDoc struct {
	UserID          string               `bson:"user_id"`
	ProductID       string               `bson:"product_id,omitempty"`
	DetailsKey      string               `bson:"details_key,omitempty"`
	Kind            domain.ItemKind      `bson:"kind"`
	Name            string               `bson:"name"`
	UnitPrice       string               `bson:"unit_price"`
	Quantity        int                  `bson:"quantity"`
	ImageRef        string               `bson:"image_ref,omitempty"`
	Details         domain.CustomDetails `bson:"details,omitempty"`
	DeliveryAddress string               `bson:"delivery_address,omitempty"`
	CreatedAt       time.Time            `bson:"created_at"`
	UpdatedAt       time.Time            `bson:"updated_at"`
}

type mongoRepository struct {
	collection *mongo.Collection
}

func NewMongoRepository(db *mongo.Database) CartRepository {
	return &mongoRepository{
		collection: db.Collection("cart_items"),
	}
}

// lineFilter matches a catalog line by product id and a custom line by its
// detail payload, or by its line id when it has no details.
func lineFilter(userID string, item domain.LineItem) bson.M {
	if item.IsCustom() {
		return bson.M{"user_id": userID, "details_key": item.MatchKey()}
	}
	return bson.M{"user_id": userID, "product_id": item.ID}
}

func toDoc(userID string, item domain.LineItem, now time.Time) cartLineDoc {
	doc := cartLineDoc{
		UserID:          userID,
		Kind:            item.Kind,
		Name:            item.Name,
		UnitPrice:       item.UnitPrice.String(),
		Quantity:        item.Quantity,
		ImageRef:        item.ImageRef,
		Details:         item.Details,
		DeliveryAddress: item.DeliveryAddress,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if item.IsCustom() {
		doc.DetailsKey = item.MatchKey()
	} else {
		doc.ProductID = item.ID
	}
	return doc
}

// fromDoc converts a remote line back to a local one. Custom lines get a fresh
// client-side id unless the remote key carries one.
func fromDoc(doc cartLineDoc) (domain.LineItem, error) {
	price, err := decimal.NewFromString(doc.UnitPrice)
	if err != nil {
		return domain.LineItem{}, fmt.Errorf("invalid unit price %q: %w", doc.UnitPrice, err)
	}
	item := domain.LineItem{
		ID:              doc.ProductID,
		Kind:            doc.Kind,
		Name:            doc.Name,
		UnitPrice:       price,
		Quantity:        doc.Quantity,
		ImageRef:        doc.ImageRef,
		Details:         doc.Details,
		DeliveryAddress: doc.DeliveryAddress,
		AddedAt:         doc.CreatedAt,
	}
	if item.IsCustom() {
		if id, ok := domain.LineIDFromMatchKey(doc.DetailsKey); ok {
			item.ID = id
		} else {
			item.ID = domain.NewCustomLineID()
		}
	}
	return item, nil
}

func (m *mongoRepository) GetLines(ctx context.Context, userID string) ([]domain.LineItem, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := m.collection.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get cart lines: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []cartLineDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode cart lines: %w", err)
	}

	items := make([]domain.LineItem, 0, len(docs))
	for _, doc := range docs {
		item, err := fromDoc(doc)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (m *mongoRepository) UpsertLine(ctx context.Context, userID string, item domain.LineItem) error {
	now := time.Now()
	doc := toDoc(userID, item, now)

	update := bson.M{
		"$set": bson.M{
			"kind":             doc.Kind,
			"name":             doc.Name,
			"unit_price":       doc.UnitPrice,
			"quantity":         doc.Quantity,
			"image_ref":        doc.ImageRef,
			"details":          doc.Details,
			"delivery_address": doc.DeliveryAddress,
			"updated_at":       now,
		},
		"$setOnInsert": bson.M{"created_at": now},
	}
	opts := options.Update().SetUpsert(true)

	if _, err := m.collection.UpdateOne(ctx, lineFilter(userID, item), update, opts); err != nil {
		return fmt.Errorf("failed to upsert cart line: %w", err)
	}
	return nil
}

func (m *mongoRepository) DeleteLine(ctx context.Context, userID string, item domain.LineItem) error {
	result, err := m.collection.DeleteOne(ctx, lineFilter(userID, item))
	if err != nil {
		return fmt.Errorf("failed to remove cart line: %w", err)
	}
	if result.DeletedCount == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (m *mongoRepository) DeleteAll(ctx context.Context, userID string) (int64, error) {
	result, err := m.collection.DeleteMany(ctx, bson.M{"user_id": userID})
	if err != nil {
		return 0, fmt.Errorf("failed to delete cart: %w", err)
	}
	return result.DeletedCount, nil
}

// ReplaceAll makes the remote cart equal to items: delete, then reinsert.
func (m *mongoRepository) ReplaceAll(ctx context.Context, userID string, items []domain.LineItem) error {
	if _, err := m.DeleteAll(ctx, userID); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	now := time.Now()
	docs := make([]interface{}, 0, len(items))
	for i, item := range items {
		// keep insertion order stable for GetLines
		docs = append(docs, toDoc(userID, item, now.Add(time.Duration(i)*time.Millisecond)))
	}
	if _, err := m.collection.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("failed to insert cart lines: %w", err)
	}
	return nil
}

func (m *mongoRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "product_id", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"product_id": bson.M{"$exists": true}}),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "details_key", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"details_key": bson.M{"$exists": true}}),
		},
		{
			Keys:    bson.D{{Key: "updated_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(abandonedCartTTL.Seconds())),
		},
	}

	_, err := m.collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	return nil
}

// EnsureIndexes creates indexes when repo is backed by MongoDB.
func EnsureIndexes(ctx context.Context, repo CartRepository) error {
	m, ok := repo.(*mongoRepository)
	if !ok {
		return errors.New("cart repository is not mongo-backed")
	}
	return m.CreateIndexes(ctx)
}
