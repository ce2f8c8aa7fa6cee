package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/cart-reservation/internal/domain"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const cartsCollection = "carts"

func ConnectMongoDB(ctx context.Context, uri, database string) (*mongo.Database, error) {
	clientOpts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetMaxPoolSize(100).
		SetMinPoolSize(10)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return client.Database(database), nil
}

// cartDocument is the stored form of a snapshot. Prices are kept as decimal
// strings so no precision is lost.
type cartDocument struct {
	UserID    string         `bson:"_id"`
	Lines     []lineDocument `bson:"lines"`
	Version   uint64         `bson:"version"`
	UpdatedAt time.Time      `bson:"updated_at"`
}

type lineDocument struct {
	ProductID    int64  `bson:"product_id"`
	SKU          string `bson:"sku"`
	Name         string `bson:"name"`
	Description  string `bson:"description,omitempty"`
	ImageURL     string `bson:"image_url,omitempty"`
	UnitPrice    string `bson:"unit_price"`
	UnitsInStock int    `bson:"units_in_stock"`
	Quantity     int    `bson:"quantity"`
}

type MongoCache struct {
	collection *mongo.Collection
}

func NewMongoCache(db *mongo.Database) *MongoCache {
	return &MongoCache{collection: db.Collection(cartsCollection)}
}

func (m *MongoCache) Load(ctx context.Context, userID string) (*domain.CartSnapshot, error) {
	var doc cartDocument
	err := m.collection.FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}

	snap, err := doc.snapshot()
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (m *MongoCache) Save(ctx context.Context, userID string, snap domain.CartSnapshot) error {
	doc := newCartDocument(userID, snap)

	opts := options.Replace().SetUpsert(true)
	if _, err := m.collection.ReplaceOne(ctx, bson.M{"_id": userID}, doc, opts); err != nil {
		return fmt.Errorf("failed to upsert cart: %w", err)
	}
	return nil
}

func (m *MongoCache) Delete(ctx context.Context, userID string) error {
	if _, err := m.collection.DeleteOne(ctx, bson.M{"_id": userID}); err != nil {
		return fmt.Errorf("failed to delete cart: %w", err)
	}
	return nil
}

func newCartDocument(userID string, snap domain.CartSnapshot) cartDocument {
	lines := make([]lineDocument, 0, len(snap.Lines))
	for _, l := range snap.Lines {
		lines = append(lines, lineDocument{
			ProductID:    l.Product.ID,
			SKU:          l.Product.SKU,
			Name:         l.Product.Name,
			Description:  l.Product.Description,
			ImageURL:     l.Product.ImageURL,
			UnitPrice:    l.Product.UnitPrice.String(),
			UnitsInStock: l.Product.UnitsInStock,
			Quantity:     l.Quantity,
		})
	}
	return cartDocument{
		UserID:    userID,
		Lines:     lines,
		Version:   snap.Version,
		UpdatedAt: snap.UpdatedAt,
	}
}

func (d cartDocument) snapshot() (domain.CartSnapshot, error) {
	lines := make([]domain.CartLine, 0, len(d.Lines))
	for _, l := range d.Lines {
		price, err := decimal.NewFromString(l.UnitPrice)
		if err != nil {
			return domain.CartSnapshot{}, fmt.Errorf("decode price of product %d: %w", l.ProductID, err)
		}
		lines = append(lines, domain.CartLine{
			Product: domain.ProductSnapshot{
				ID:           l.ProductID,
				SKU:          l.SKU,
				Name:         l.Name,
				Description:  l.Description,
				ImageURL:     l.ImageURL,
				UnitPrice:    price,
				UnitsInStock: l.UnitsInStock,
			},
			Quantity: l.Quantity,
		})
	}
	snap := domain.NewSnapshot(lines, d.Version)
	snap.UpdatedAt = d.UpdatedAt
	return snap, nil
}
