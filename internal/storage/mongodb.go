package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	accountsCollection    = "accounts"
	conversionsCollection = "conversions"
	grantsCollection      = "credit_grants"
	couponsCollection     = "coupons"
)

// MongoStore implements Store on MongoDB. Balance changes use multi-document
// transactions, so the server must run as a replica set.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoStore connects to MongoDB and verifies the connection.
func NewMongoStore(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	log.Info().Str("db", dbName).Msg("✅ Connected to MongoDB successfully!")
	return &MongoStore{client: client, db: client.Database(dbName)}, nil
}

// Migrate creates the indexes the store relies on.
func (m *MongoStore) Migrate(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		conversionsCollection: {
			{Keys: bson.D{{Key: "account_ref", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		grantsCollection: {
			{Keys: bson.D{{Key: "provenance_key", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "account_ref", Value: 1}, {Key: "kind", Value: 1}}},
		},
	}
	for coll, models := range indexes {
		if _, err := m.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create indexes on %s: %w", coll, err)
		}
	}
	return nil
}

func (m *MongoStore) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

// Close closes MongoDB connection
func (m *MongoStore) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := m.client.Disconnect(ctx); err != nil {
		return err
	}
	log.Info().Msg("MongoDB connection closed")
	return nil
}

func (m *MongoStore) GetAccount(ctx context.Context, ref string) (*Account, error) {
	var acc Account
	err := m.db.Collection(accountsCollection).FindOne(ctx, bson.M{"_id": ref}).Decode(&acc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query account: %w", err)
	}
	return &acc, nil
}

// CreateAccount uses $setOnInsert so an existing account is left untouched.
func (m *MongoStore) CreateAccount(ctx context.Context, acc *Account) (bool, error) {
	now := time.Now().UTC()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.UpdatedAt = now

	res, err := m.db.Collection(accountsCollection).UpdateOne(ctx,
		bson.M{"_id": acc.Ref},
		bson.M{"$setOnInsert": bson.M{
			"email":      acc.Email,
			"credits":    acc.Credits,
			"created_at": acc.CreatedAt,
			"updated_at": acc.UpdatedAt,
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return false, fmt.Errorf("failed to create account: %w", err)
	}
	return res.UpsertedCount == 1, nil
}

// withTransaction runs fn in a session transaction.
func (m *MongoStore) withTransaction(ctx context.Context, fn func(sc mongo.SessionContext) (interface{}, error)) (interface{}, error) {
	session, err := m.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)
	return session.WithTransaction(ctx, fn)
}

func (m *MongoStore) DeductAndRecord(ctx context.Context, ref string, amount int, entry *HistoryEntry) (int, error) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.AccountRef = ref
	entry.CreditsCharged = amount

	accounts := m.db.Collection(accountsCollection)
	result, err := m.withTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		var acc Account
		err := accounts.FindOneAndUpdate(sc,
			bson.M{"_id": ref, "credits": bson.M{"$gte": amount}},
			bson.M{
				"$inc": bson.M{"credits": -amount},
				"$set": bson.M{"updated_at": entry.CreatedAt},
			},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&acc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			n, countErr := accounts.CountDocuments(sc, bson.M{"_id": ref})
			if countErr != nil {
				return nil, countErr
			}
			if n == 0 {
				return nil, ErrNotFound
			}
			return nil, ErrInsufficientCredits
		}
		if err != nil {
			return nil, err
		}

		if _, err := m.db.Collection(conversionsCollection).InsertOne(sc, entry); err != nil {
			return nil, fmt.Errorf("insert history: %w", err)
		}
		return acc.Credits, nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInsufficientCredits) {
			return 0, err
		}
		return 0, fmt.Errorf("deduct and record: %w", err)
	}
	return result.(int), nil
}

func (m *MongoStore) AppendHistory(ctx context.Context, entry *HistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if _, err := m.db.Collection(conversionsCollection).InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func (m *MongoStore) ListHistory(ctx context.Context, ref string, offset, limit int) ([]HistoryEntry, int, error) {
	coll := m.db.Collection(conversionsCollection)
	filter := bson.M{"account_ref": ref}

	total, err := coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("count history: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))
	cursor, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("list history: %w", err)
	}
	defer cursor.Close(ctx)

	entries := make([]HistoryEntry, 0, limit)
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, 0, fmt.Errorf("decode history: %w", err)
	}
	return entries, int(total), nil
}

func (m *MongoStore) ApplyGrant(ctx context.Context, grant *CreditGrant) (bool, int, error) {
	if grant.ProvenanceKey == "" {
		return false, 0, fmt.Errorf("grant requires a provenance key")
	}
	if grant.Amount <= 0 {
		return false, 0, fmt.Errorf("grant amount must be positive, got %d", grant.Amount)
	}
	if grant.ID == "" {
		grant.ID = uuid.New().String()
	}
	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = time.Now().UTC()
	}

	accounts := m.db.Collection(accountsCollection)
	result, err := m.withTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		if _, err := m.db.Collection(grantsCollection).InsertOne(sc, grant); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, ErrDuplicate
			}
			return nil, fmt.Errorf("insert grant: %w", err)
		}

		var acc Account
		err := accounts.FindOneAndUpdate(sc,
			bson.M{"_id": grant.AccountRef},
			bson.M{
				"$inc": bson.M{"credits": grant.Amount},
				"$set": bson.M{"updated_at": grant.CreatedAt},
			},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&acc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		return acc.Credits, nil
	})

	switch {
	case err == nil:
		return true, result.(int), nil
	case errors.Is(err, ErrDuplicate):
		acc, getErr := m.GetAccount(ctx, grant.AccountRef)
		if getErr != nil {
			return false, 0, getErr
		}
		return false, acc.Credits, nil
	case errors.Is(err, ErrNotFound):
		return false, 0, ErrNotFound
	default:
		return false, 0, fmt.Errorf("apply grant: %w", err)
	}
}

func (m *MongoStore) ListGrants(ctx context.Context, ref, kind string) ([]CreditGrant, error) {
	filter := bson.M{"account_ref": ref}
	if kind != "" {
		filter["kind"] = kind
	}
	cursor, err := m.db.Collection(grantsCollection).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer cursor.Close(ctx)

	var grants []CreditGrant
	if err := cursor.All(ctx, &grants); err != nil {
		return nil, fmt.Errorf("decode grants: %w", err)
	}
	return grants, nil
}

func (m *MongoStore) GetCoupon(ctx context.Context, code string) (*Coupon, error) {
	var c Coupon
	err := m.db.Collection(couponsCollection).FindOne(ctx, bson.M{"_id": NormalizeCouponCode(code)}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query coupon: %w", err)
	}
	return &c, nil
}

func (m *MongoStore) UpsertCoupon(ctx context.Context, coupon *Coupon) error {
	coupon.Code = NormalizeCouponCode(coupon.Code)
	if coupon.Code == "" {
		return fmt.Errorf("coupon code is required")
	}
	if coupon.CreatedAt.IsZero() {
		coupon.CreatedAt = time.Now().UTC()
	}

	set := bson.M{"credit_value": coupon.CreditValue}
	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"created_at": coupon.CreatedAt},
	}
	if coupon.ExpiresAt != nil {
		set["expires_at"] = coupon.ExpiresAt.UTC()
	} else {
		update["$unset"] = bson.M{"expires_at": ""}
	}

	_, err := m.db.Collection(couponsCollection).UpdateOne(ctx,
		bson.M{"_id": coupon.Code}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert coupon: %w", err)
	}
	return nil
}
