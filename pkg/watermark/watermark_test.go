package watermark

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/David-Botos/retail-medallion/pkg/store"
	"github.com/David-Botos/retail-medallion/pkg/store/storetest"
)

func setupWatermarkStore(t *testing.T) (*Store, *store.Store) {
	t.Helper()
	s := storetest.New(t)
	w := NewStore(s, zap.NewNop()).WithClock(func() time.Time {
		return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	})
	require.NoError(t, w.EnsureTable(context.Background()))
	return w, s
}

func set(t *testing.T, s *store.Store, w *Store, stream, value string, kind Kind) error {
	t.Helper()
	return s.WithTx(context.Background(), func(tx *store.Tx) error {
		return w.Set(context.Background(), tx, stream, value, kind)
	})
}

func TestGetIsAbsentUntilFirstSet(t *testing.T) {
	ctx := context.Background()
	w, s := setupWatermarkStore(t)

	_, ok, err := w.Get(ctx, StreamSilverSales)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, set(t, s, w, StreamSilverSales, "2010-12-01T08:26:00", KindTimestamp))

	value, ok, err := w.Get(ctx, StreamSilverSales)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2010-12-01T08:26:00", value)
}

func TestSetUpdatesExistingStream(t *testing.T) {
	ctx := context.Background()
	w, s := setupWatermarkStore(t)

	require.NoError(t, set(t, s, w, StreamGoldLayer, "2010-12-01", KindTimestamp))
	require.NoError(t, set(t, s, w, StreamGoldLayer, "2010-12-09", KindTimestamp))
	// Re-setting the same value is allowed
	require.NoError(t, set(t, s, w, StreamGoldLayer, "2010-12-09", KindTimestamp))

	records, err := w.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "2010-12-09", records[0].LastValue)
	assert.Equal(t, "timestamp", records[0].ValueKind)
	assert.Equal(t, "2024-05-01T12:00:00Z", records[0].UpdatedAt)
}

func TestSetRejectsRegression(t *testing.T) {
	ctx := context.Background()
	w, s := setupWatermarkStore(t)

	require.NoError(t, set(t, s, w, StreamBronzeCSVFiles, "2024-01-02T00:00:00Z", KindTimestamp))

	err := set(t, s, w, StreamBronzeCSVFiles, "2024-01-01T00:00:00Z", KindTimestamp)
	require.ErrorIs(t, err, ErrRegression)

	value, _, err := w.Get(ctx, StreamBronzeCSVFiles)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-02T00:00:00Z", value)
}

func TestSetIsInvisibleWhenTransactionFails(t *testing.T) {
	ctx := context.Background()
	w, s := setupWatermarkStore(t)

	err := s.WithTx(ctx, func(tx *store.Tx) error {
		if err := w.Set(ctx, tx, StreamSilverExchangeRate, "2011-01-01", KindTimestamp); err != nil {
			return err
		}
		return errors.New("data write failed")
	})
	require.Error(t, err)

	_, ok, err := w.Get(ctx, StreamSilverExchangeRate)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAfter(t *testing.T) {
	cases := []struct {
		value, last string
		kind        Kind
		want        bool
	}{
		{"2010-12-01T08:26:01", "2010-12-01T08:26:00", KindTimestamp, true},
		{"2010-12-01T08:26:00", "2010-12-01T08:26:00", KindTimestamp, false},
		{"2010-12-02", "2010-12-01T23:59:59", KindTimestamp, true},
		{"2024-01-01T00:00:00.5Z", "2024-01-01T00:00:00Z", KindTimestamp, true},
		{"10", "9", KindID, true},
		{"9", "10", KindID, false},
	}

	for _, tc := range cases {
		got, err := After(tc.value, tc.last, tc.kind)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%s after %s", tc.value, tc.last)
	}

	_, err := After("yesterday", "2010-12-01", KindTimestamp)
	assert.Error(t, err)
}

func TestGetTime(t *testing.T) {
	ctx := context.Background()
	w, s := setupWatermarkStore(t)

	mtime := time.Date(2024, 3, 4, 5, 6, 7, 890, time.UTC)
	require.NoError(t, set(t, s, w, StreamBronzeCSVFiles, FormatTime(mtime), KindTimestamp))

	got, ok, err := w.GetTime(ctx, StreamBronzeCSVFiles)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mtime.Equal(got))
}
