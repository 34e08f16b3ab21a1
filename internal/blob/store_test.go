package blob_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"memvault-backend/internal/blob"
	appErrors "memvault-backend/internal/errors"
	"memvault-backend/internal/observability"
)

func newTestStore(t *testing.T, transport blob.Transport) blob.Store {
	t.Helper()
	return blob.NewStore(transport, blob.StoreConfig{EpochDays: 30, MaxAttempts: 3},
		zaptest.NewLogger(t), observability.NewCollector("memvault"))
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newTestStore(t, blob.NewMemoryTransport())
	ctx := context.Background()

	payload := []byte("my dog's name is pepper")
	tags := blob.Tags{
		Owner:       "0xabc",
		Category:    "personal",
		Importance:  0.8,
		IsEncrypted: true,
		Extra:       map[string]string{"model": "text-embedding-3-small"},
	}

	receipt, err := store.Put(ctx, payload, tags)
	require.NoError(t, err)
	assert.Equal(t, blob.AddressOf(payload), receipt.Address)
	assert.Equal(t, int64(len(payload)), receipt.Size)
	assert.Greater(t, receipt.RetentionEpochEnd, receipt.StoredAt)

	obj, err := store.Get(ctx, receipt.Address)
	require.NoError(t, err)
	assert.Equal(t, payload, obj.Bytes)
	assert.Equal(t, "0xabc", obj.Tags.Owner)
	assert.Equal(t, "personal", obj.Tags.Category)
	assert.True(t, obj.Tags.IsEncrypted)
	assert.Equal(t, receipt.Address, obj.Tags.ContentHash)
	assert.Equal(t, "text-embedding-3-small", obj.Tags.Extra["model"])
}

func TestAddressIsDeterministic(t *testing.T) {
	store := newTestStore(t, blob.NewMemoryTransport())
	ctx := context.Background()

	first, err := store.Put(ctx, []byte("same bytes"), blob.Tags{Owner: "0xabc"})
	require.NoError(t, err)
	second, err := store.Put(ctx, []byte("same bytes"), blob.Tags{Owner: "0xabc"})
	require.NoError(t, err)

	assert.Equal(t, first.Address, second.Address)
}

func TestGetUnknownAddress(t *testing.T) {
	store := newTestStore(t, blob.NewMemoryTransport())

	_, err := store.Get(context.Background(), blob.AddressOf([]byte("never stored")))
	assert.True(t, appErrors.IsNotFound(err))
}

func TestPutRetriesTransientFaults(t *testing.T) {
	transport := blob.NewMemoryTransport()
	transport.FailNextPuts(2, errors.New("connection reset"))
	store := newTestStore(t, transport)

	receipt, err := store.Put(context.Background(), []byte("flaky"), blob.Tags{Owner: "0xabc"})
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.Address)
}

func TestPutSurfacesStorageUnavailable(t *testing.T) {
	transport := blob.NewMemoryTransport()
	transport.FailNextPuts(10, errors.New("connection reset"))
	store := newTestStore(t, transport)

	_, err := store.Put(context.Background(), []byte("doomed"), blob.Tags{Owner: "0xabc"})
	assert.True(t, appErrors.IsStorageUnavailable(err))
}

func TestDeleteThenHead(t *testing.T) {
	store := newTestStore(t, blob.NewMemoryTransport())
	ctx := context.Background()

	receipt, err := store.Put(ctx, []byte("short lived"), blob.Tags{Owner: "0xabc"})
	require.NoError(t, err)

	ok, err := store.Delete(ctx, receipt.Address)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = store.Head(ctx, receipt.Address)
	assert.True(t, appErrors.IsNotFound(err))

	page, err := store.List(ctx, blob.ListQuery{Owner: "0xabc"})
	require.NoError(t, err)
	assert.NotContains(t, page.Addresses, receipt.Address)
}

func TestListByOwnerWithPagination(t *testing.T) {
	store := newTestStore(t, blob.NewMemoryTransport())
	ctx := context.Background()

	want := make(map[string]bool)
	for _, text := range []string{"one", "two", "three", "four", "five"} {
		r, err := store.Put(ctx, []byte(text), blob.Tags{Owner: "0xowner1", Category: "fact"})
		require.NoError(t, err)
		want[r.Address] = true
	}
	_, err := store.Put(ctx, []byte("other user"), blob.Tags{Owner: "0xowner2"})
	require.NoError(t, err)

	got := make(map[string]bool)
	cursor := ""
	for {
		page, err := store.List(ctx, blob.ListQuery{Owner: "0xowner1", Limit: 2, Cursor: cursor})
		require.NoError(t, err)
		for _, addr := range page.Addresses {
			got[addr] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, want, got)
}

func TestListFiltersByCategory(t *testing.T) {
	store := newTestStore(t, blob.NewMemoryTransport())
	ctx := context.Background()

	fact, err := store.Put(ctx, []byte("a fact"), blob.Tags{Owner: "0xabc", Category: "fact"})
	require.NoError(t, err)
	_, err = store.Put(ctx, []byte("an event"), blob.Tags{Owner: "0xabc", Category: "event"})
	require.NoError(t, err)

	page, err := store.List(ctx, blob.ListQuery{Owner: "0xabc", Category: "fact"})
	require.NoError(t, err)
	assert.Equal(t, []string{fact.Address}, page.Addresses)
}

func TestRetentionEpochEnd(t *testing.T) {
	const day = int64(24 * 60 * 60 * 1000)
	created := 45 * day // mid second epoch for 30-day epochs

	end := blob.RetentionEpochEnd(created, 30)
	assert.Equal(t, 90*day, end)
	// At least one full epoch survives past creation.
	assert.GreaterOrEqual(t, end-created, 30*day)
}

func TestCancelledContextPassesThrough(t *testing.T) {
	store := newTestStore(t, blob.NewMemoryTransport())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Get(ctx, blob.AddressOf([]byte("x")))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, appErrors.IsStorageUnavailable(err))
}
