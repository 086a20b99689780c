package store

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/gaparb/pkg/models"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// createTestOpportunity builds an opened opportunity between exchanges a and b
func createTestOpportunity(symbol, ask, bid string) models.Opportunity {
	openedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return models.Opportunity{
		ID:         models.OpportunityID(symbol, ask, bid),
		Investment: decimal.RequireFromString("0.0005"),
		Ticket:     models.Ticket{Symbol: symbol, Exchanges: []string{ask, bid}},
		BestAsk: models.PriceQuote{
			ExchangeName: ask,
			Bid:          decimal.RequireFromString("100.1"),
			Ask:          decimal.RequireFromString("101.25"),
			Volume:       decimal.NewFromInt(5000),
		},
		BestBid: models.PriceQuote{
			ExchangeName: bid,
			Bid:          decimal.RequireFromString("105.5"),
			Ask:          decimal.RequireFromString("106"),
			Volume:       decimal.NewFromInt(7000),
		},
		Gap:      decimal.RequireFromString("0.002125"),
		Cost:     decimal.RequireFromString("0.000001"),
		Gain:     decimal.RequireFromString("0.002124"),
		OpenedAt: &openedAt,
	}
}

// failingBackend reports an error on every save
type failingBackend struct{ saves int32 }

func (f *failingBackend) Load(context.Context) ([]byte, error) { return nil, nil }
func (f *failingBackend) Save(context.Context, []byte) error {
	atomic.AddInt32(&f.saves, 1)
	return errors.New("disk full")
}

func assertEquivalent(t *testing.T, expected, actual models.Opportunity) {
	t.Helper()
	assert.Equal(t, expected.ID, actual.ID)
	assert.Equal(t, expected.Ticket, actual.Ticket)
	assert.True(t, expected.Investment.Equal(actual.Investment), "investment")
	assert.True(t, expected.Gap.Equal(actual.Gap), "gap")
	assert.True(t, expected.Cost.Equal(actual.Cost), "cost")
	assert.True(t, expected.Gain.Equal(actual.Gain), "gain")
	assert.True(t, expected.BestAsk.Ask.Equal(actual.BestAsk.Ask), "best ask")
	assert.True(t, expected.BestBid.Bid.Equal(actual.BestBid.Bid), "best bid")
	assert.Equal(t, expected.BestAsk.ExchangeName, actual.BestAsk.ExchangeName)
	require.NotNil(t, actual.OpenedAt)
	assert.True(t, expected.OpenedAt.Equal(*actual.OpenedAt), "opened at")
	assert.Equal(t, expected.ClosedAt == nil, actual.ClosedAt == nil)
	assert.Equal(t, expected.CloseGap.Valid, actual.CloseGap.Valid)
}

func Test_Store_InsertRejectsDuplicates(t *testing.T) {
	s := New(NewFileBackend(filepath.Join(t.TempDir(), "opportunities.json")), newTestLogger())
	ctx := context.Background()
	o := createTestOpportunity("BTC/USDT", "a", "b")

	require.NoError(t, s.Insert(ctx, o))
	err := s.Insert(ctx, o)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, 1, s.Len())
	assert.True(t, s.Has(o.ID))

	// Reversed legs are a different position.
	require.NoError(t, s.Insert(ctx, createTestOpportunity("BTC/USDT", "b", "a")))
	assert.Equal(t, 2, s.Len())
}

func Test_Store_ConcurrentInsertKeepsOneEntry(t *testing.T) {
	s := New(NewFileBackend(filepath.Join(t.TempDir(), "opportunities.json")), newTestLogger())
	ctx := context.Background()
	o := createTestOpportunity("ETH/BTC", "a", "b")

	var wg sync.WaitGroup
	var succeeded int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Insert(ctx, o) == nil {
				atomic.AddInt32(&succeeded, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded)
	assert.Len(t, s.Snapshot(), 1)
}

func Test_Store_Remove(t *testing.T) {
	s := New(NewFileBackend(filepath.Join(t.TempDir(), "opportunities.json")), newTestLogger())
	ctx := context.Background()
	first := createTestOpportunity("BTC/USDT", "a", "b")
	second := createTestOpportunity("ETH/USDT", "a", "b")
	third := createTestOpportunity("LTC/USDT", "a", "b")
	for _, o := range []models.Opportunity{first, second, third} {
		require.NoError(t, s.Insert(ctx, o))
	}

	removed, err := s.Remove(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, removed.ID)

	snapshot := s.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, first.ID, snapshot[0].ID, "Should keep insertion order")
	assert.Equal(t, third.ID, snapshot[1].ID)

	_, err = s.Remove(ctx, second.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func Test_Store_SnapshotIsACopy(t *testing.T) {
	s := New(NewFileBackend(filepath.Join(t.TempDir(), "opportunities.json")), newTestLogger())
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, createTestOpportunity("BTC/USDT", "a", "b")))

	snapshot := s.Snapshot()
	snapshot[0].Ticket.Exchanges[0] = "mutated"
	*snapshot[0].OpenedAt = time.Time{}

	fresh := s.Snapshot()
	assert.Equal(t, "a", fresh[0].Ticket.Exchanges[0])
	assert.False(t, fresh[0].OpenedAt.IsZero())
}

func Test_Store_FileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "opportunities.json")
	ctx := context.Background()

	s := New(NewFileBackend(path), newTestLogger())
	first := createTestOpportunity("BTC/USDT", "a", "b")
	second := createTestOpportunity("ETH/USDT", "b", "a")
	require.NoError(t, s.Insert(ctx, first))
	require.NoError(t, s.Insert(ctx, second))

	reloaded := New(NewFileBackend(path), newTestLogger())
	reloaded.LoadOrEmpty(ctx)

	snapshot := reloaded.Snapshot()
	require.Len(t, snapshot, 2)
	assertEquivalent(t, first, snapshot[0])
	assertEquivalent(t, second, snapshot[1])
}

func Test_Store_LoadOrEmpty(t *testing.T) {
	tests := []struct {
		name     string
		contents *string
		expected int
	}{
		{name: "Missing file", contents: nil, expected: 0},
		{name: "Corrupt file", contents: strPtr("{not json"), expected: 0},
		{name: "Empty list", contents: strPtr("[]"), expected: 0},
		{name: "Duplicate ids collapse", contents: strPtr(`[{"id":"x","gap":"1"},{"id":"x","gap":"2"},{"id":"y"}]`), expected: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "opportunities.json")
			if tt.contents != nil {
				require.NoError(t, os.WriteFile(path, []byte(*tt.contents), 0o644))
			}
			s := New(NewFileBackend(path), newTestLogger())
			s.LoadOrEmpty(context.Background())
			assert.Equal(t, tt.expected, s.Len())
		})
	}
}

func Test_Store_PersistRewritesRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opportunities.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	ctx := context.Background()

	s := New(NewFileBackend(path), newTestLogger())
	s.LoadOrEmpty(ctx)
	require.NoError(t, s.Persist(ctx))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(data))

	o := createTestOpportunity("BTC/USDT", "a", "b")
	require.NoError(t, s.Insert(ctx, o))
	require.NoError(t, s.Persist(ctx))

	reloaded := New(NewFileBackend(path), newTestLogger())
	reloaded.LoadOrEmpty(ctx)
	require.Equal(t, 1, reloaded.Len())
	assertEquivalent(t, o, reloaded.Snapshot()[0])
}

func Test_Store_PersistFailureKeepsMembership(t *testing.T) {
	backend := &failingBackend{}
	s := New(backend, newTestLogger())
	o := createTestOpportunity("BTC/USDT", "a", "b")

	err := s.Insert(context.Background(), o)
	assert.Error(t, err)
	assert.True(t, s.Has(o.ID))
	assert.Equal(t, int32(1), atomic.LoadInt32(&backend.saves))
}

func Test_FileBackend_SaveReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "opportunities.json")
	b := NewFileBackend(path)
	ctx := context.Background()

	require.NoError(t, b.Save(ctx, []byte(`[1]`)))
	require.NoError(t, b.Save(ctx, []byte(`[2]`)))

	data, err := b.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "[2]\n", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "Should not leave temp files behind")
}

func Test_RedisBackend_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	backend, err := NewRedisBackend(ctx, RedisConfig{Addr: mr.Addr(), Key: "test:opportunities"})
	require.NoError(t, err)
	defer backend.Close()

	data, err := backend.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, data, "Missing key should load as nothing")

	s := New(backend, newTestLogger())
	o := createTestOpportunity("BTC/USDT", "a", "b")
	require.NoError(t, s.Insert(ctx, o))
	assert.True(t, mr.Exists("test:opportunities"))

	reloaded := New(backend, newTestLogger())
	reloaded.LoadOrEmpty(ctx)
	require.Equal(t, 1, reloaded.Len())
	assertEquivalent(t, o, reloaded.Snapshot()[0])
}

func Test_NewRedisBackend_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisBackend(context.Background(), RedisConfig{Addr: addr})
	assert.Error(t, err)
}

func strPtr(s string) *string { return &s }
