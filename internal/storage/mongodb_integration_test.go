//go:build integration

package storage

import (
	"context"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
)

// newMongoStore starts a single-node replica set; transactions need one.
func newMongoStore(t *testing.T) *MongoStore {
	t.Helper()
	ctx := context.Background()

	container, err := mongodb.Run(ctx, "mongo:7", mongodb.WithReplicaSet("rs0"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	u, err := url.Parse(uri)
	require.NoError(t, err)
	q := u.Query()
	q.Set("directConnection", "true")
	u.RawQuery = q.Encode()

	s, err := NewMongoStore(ctx, u.String(), "image_wizard_test")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close(ctx) })
	return s
}

func TestMongoDeductAndRecordConcurrent(t *testing.T) {
	s := newMongoStore(t)
	ctx := context.Background()
	seedAccount(t, s, "user_1", 10)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.DeductAndRecord(ctx, "user_1", 3, &HistoryEntry{Mode: "ai-code", NormalizedText: "x"})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrInsufficientCredits)
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, ok)

	acc, err := s.GetAccount(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, 1, acc.Credits)

	_, total, err := s.ListHistory(ctx, "user_1", 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestMongoDeductInsufficientLeavesNoTrace(t *testing.T) {
	s := newMongoStore(t)
	ctx := context.Background()
	seedAccount(t, s, "user_1", 2)

	_, err := s.DeductAndRecord(ctx, "user_1", 3, &HistoryEntry{Mode: "ai-code", NormalizedText: "x"})
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	acc, err := s.GetAccount(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, 2, acc.Credits)

	_, total, err := s.ListHistory(ctx, "user_1", 0, 10)
	require.NoError(t, err)
	assert.Zero(t, total)

	_, err = s.DeductAndRecord(ctx, "nobody", 1, &HistoryEntry{Mode: "plain-ocr"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMongoApplyGrantIdempotent(t *testing.T) {
	s := newMongoStore(t)
	ctx := context.Background()
	seedAccount(t, s, "user_1", 10)

	grant := func() *CreditGrant {
		return &CreditGrant{AccountRef: "user_1", Kind: GrantPurchase, Amount: 150, ProvenanceKey: "lemonsqueezy:order:42", Package: "Basic"}
	}

	applied, balance, err := s.ApplyGrant(ctx, grant())
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 160, balance)

	applied, balance, err = s.ApplyGrant(ctx, grant())
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 160, balance)

	grants, err := s.ListGrants(ctx, "user_1", GrantPurchase)
	require.NoError(t, err)
	assert.Len(t, grants, 1)

	_, _, err = s.ApplyGrant(ctx, &CreditGrant{AccountRef: "ghost", Kind: GrantAdmin, Amount: 5, ProvenanceKey: "admin:1"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMongoCoupons(t *testing.T) {
	s := newMongoStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertCoupon(ctx, &Coupon{Code: " welcome50 ", CreditValue: 50}))
	c, err := s.GetCoupon(ctx, "Welcome50")
	require.NoError(t, err)
	assert.Equal(t, "WELCOME50", c.Code)
	assert.Equal(t, 50, c.CreditValue)

	_, err = s.GetCoupon(ctx, "NOPE")
	assert.ErrorIs(t, err, ErrNotFound)
}
