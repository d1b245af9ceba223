package cleaner

import (
	"context"
	"database/sql"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/David-Botos/retail-medallion/pkg/model"
	"github.com/David-Botos/retail-medallion/pkg/store"
	"github.com/David-Botos/retail-medallion/pkg/store/storetest"
)

func ns(s string) sql.NullString { return sql.NullString{String: s, Valid: true} }

var null = sql.NullString{}

func TestNormalizeToken(t *testing.T) {
	assert.Equal(t, "WHITE_HANGING_HEART", NormalizeToken(ns("  white hanging\theart ")))
	assert.Equal(t, "85123A", NormalizeToken(ns("85123a")))
	assert.Equal(t, Unknown, NormalizeToken(null))
}

func TestNormalizeCountry(t *testing.T) {
	assert.Equal(t, "UNITED_KINGDOM", NormalizeCountry(ns("United Kingdom")))
	assert.Equal(t, Unknown, NormalizeCountry(ns("Unspecified")))
	assert.Equal(t, Unknown, NormalizeCountry(null))
}

func TestNormalizeCustomerID(t *testing.T) {
	assert.Equal(t, "17850", NormalizeCustomerID(ns("17850.0")))
	assert.Equal(t, "17850", NormalizeCustomerID(ns("17850")))
	assert.Equal(t, "ABC", NormalizeCustomerID(ns(" ABC ")))
	assert.Equal(t, Unknown, NormalizeCustomerID(null))
	assert.Equal(t, Unknown, NormalizeCustomerID(ns("")))
}

func TestCoercion(t *testing.T) {
	q, ok := CoerceQuantity(ns("-12"))
	assert.True(t, ok)
	assert.Equal(t, int64(-12), q)

	_, ok = CoerceQuantity(ns("2.5"))
	assert.False(t, ok)

	_, ok = CoerceQuantity(ns("twelve"))
	assert.False(t, ok)

	p, ok := CoercePrice(ns(" 2.55 "))
	assert.True(t, ok)
	assert.InDelta(t, 2.55, p, 1e-12)

	_, ok = CoercePrice(null)
	assert.False(t, ok)
}

func TestClassifyInvoice(t *testing.T) {
	assert.Equal(t, InvoiceReturn, ClassifyInvoice("C536379", -1, true))
	assert.Equal(t, InvoiceReturn, ClassifyInvoice("536365", -5, true))
	assert.Equal(t, InvoiceSale, ClassifyInvoice("536365", 6, true))
	assert.Equal(t, InvoiceReturn, ClassifyInvoice("A563185", 1, true))
	assert.Equal(t, InvoiceSale, ClassifyInvoice("536365", 0, false))
	assert.Equal(t, InvoiceReturn, ClassifyInvoice(Unknown, 1, true))
}

func TestCleanDescription(t *testing.T) {
	assert.Equal(t, "WHITE_HANGING_HEART_T_LIGHT_HOLDER", CleanDescription(ns("WHITE HANGING HEART T-LIGHT HOLDER")))
	assert.Equal(t, "CAFE_AU_LAIT", CleanDescription(ns("  Café au lait ")))
	assert.Equal(t, "BLUE_VASE", CleanDescription(ns("__blue   vase!!")))
	assert.Equal(t, Unknown, CleanDescription(ns("???")))
	assert.Equal(t, Unknown, CleanDescription(null))
}

func TestStandardizeCountryName(t *testing.T) {
	assert.Equal(t, "United Kingdom", StandardizeCountryName("UNITED_KINGDOM"))
	assert.Equal(t, "Eire", StandardizeCountryName("EIRE"))
	assert.Equal(t, "Channel Islands", StandardizeCountryName("CHANNEL_ISLANDS"))
	assert.Equal(t, "", StandardizeCountryName(""))
}

func TestRecorderFlushWritesInTransaction(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)

	rec := NewRecorder(uuid.New(), zap.NewNop())
	rec.Begin("silver_exchange_rate")
	rec.Record(model.Diagnostic{
		TableName:     "SILVER_EXCHANGE_RATE",
		ColumnName:    "EXCHANGE_RATE_TO_GBP",
		RowKey:        "2010-12-01/USD",
		OriginalValue: nil,
		Operation:     model.OpNullRate,
		Reason:        "rate_unavailable",
	})
	require.Len(t, rec.Pending(), 1)

	err := s.WithTx(ctx, func(tx *store.Tx) error {
		n, err := rec.Flush(ctx, tx)
		assert.Equal(t, int64(1), n)
		return err
	})
	require.NoError(t, err)
	assert.Empty(t, rec.Pending())

	rows := storetest.Rows(t, s, DiagnosticsTable, "")
	require.Len(t, rows, 1)
	assert.Equal(t, "silver_exchange_rate", rows[0]["STAGE"])
	assert.Equal(t, "null_rate", rows[0]["OPERATION"])
	assert.Nil(t, rows[0]["ORIGINAL_VALUE"])
}

func TestRecorderBeginDiscardsPending(t *testing.T) {
	rec := NewRecorder(uuid.New(), zap.NewNop())
	rec.Begin("a")
	rec.Record(model.Diagnostic{Operation: model.OpDropRow})
	rec.Begin("b")
	assert.Empty(t, rec.Pending())
}
