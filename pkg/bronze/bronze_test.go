package bronze

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/David-Botos/retail-medallion/pkg/converter"
	"github.com/David-Botos/retail-medallion/pkg/pipeline"
	"github.com/David-Botos/retail-medallion/pkg/pipeline/pipelinetest"
	"github.com/David-Botos/retail-medallion/pkg/store/storetest"
	"github.com/David-Botos/retail-medallion/pkg/watermark"
)

const retailCSV = "\xEF\xBB\xBFInvoice,StockCode,Description,Quantity,InvoiceDate,Price,Customer ID,Country\n" +
	"489434,85048,15CM CHRISTMAS GLASS BALL 20 LIGHTS,12,2009-12-01 07:45:00,6.95,13085.0,United Kingdom\n" +
	"C489449,22087,PAPER BUNTING WHITE LACE,-12,2009-12-01 10:33:00,2.95,,Australia\n"

func writeFile(t *testing.T, dir, name, content string, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

func newLoader(dir string) *CSVLoader {
	return NewCSVLoader(dir, []string{"*.csv"}, converter.NewTypeConverter(zap.NewNop()), zap.NewNop()).WithParallelism(2)
}

func TestCSVLoaderLoadsFilesAndRecordsMaxMtime(t *testing.T) {
	dir := t.TempDir()
	older := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	writeFile(t, dir, "online_retail_2009.csv", retailCSV, older)
	writeFile(t, dir, "online retail-2010.csv", retailCSV, newer)

	env := pipelinetest.NewEnv(t, "bronze")
	res := newLoader(dir).Load(context.Background(), env)
	pipelinetest.RequireOk(t, res)
	assert.Equal(t, int64(4), res.RowsWritten)

	tables, err := env.Store.ListTables(context.Background(), "BRONZE_%")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"BRONZE_ONLINE_RETAIL_2009", "BRONZE_ONLINE_RETAIL_2010"}, tables)

	rows := storetest.Rows(t, env.Store, "BRONZE_ONLINE_RETAIL_2009", "")
	require.Len(t, rows, 2)
	assert.Equal(t, "489434", rows[0]["INVOICE"])
	assert.Equal(t, int64(12), rows[0]["QUANTITY"])
	assert.Equal(t, 13085.0, rows[0]["CUSTOMER_ID"])
	assert.Nil(t, rows[1]["CUSTOMER_ID"])

	assert.Equal(t, watermark.FormatTime(newer), pipelinetest.Watermark(t, env, watermark.StreamBronzeCSVFiles))
}

func TestCSVLoaderMtimeGateIsStrict(t *testing.T) {
	dir := t.TempDir()
	mtime := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	path := writeFile(t, dir, "online_retail.csv", retailCSV, mtime)

	env := pipelinetest.NewEnv(t, "bronze")
	loader := newLoader(dir)
	pipelinetest.RequireOk(t, loader.Load(context.Background(), env))

	res := loader.Load(context.Background(), env)
	assert.True(t, res.IsSkipped(), "unchanged file must not reload")

	require.NoError(t, os.Chtimes(path, mtime.Add(time.Second), mtime.Add(time.Second)))
	res = loader.Load(context.Background(), env)
	pipelinetest.RequireOk(t, res)
	assert.False(t, res.IsSkipped())
	assert.Equal(t, watermark.FormatTime(mtime.Add(time.Second)), pipelinetest.Watermark(t, env, watermark.StreamBronzeCSVFiles))
}

func TestCSVLoaderSkipsWhenNoFiles(t *testing.T) {
	env := pipelinetest.NewEnv(t, "bronze")
	res := newLoader(t.TempDir()).Load(context.Background(), env)
	assert.True(t, res.IsSkipped())
	assert.Empty(t, pipelinetest.Watermark(t, env, watermark.StreamBronzeCSVFiles))
}

func TestCSVLoaderFailureLeavesWatermark(t *testing.T) {
	dir := t.TempDir()
	mtime := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	writeFile(t, dir, "good.csv", retailCSV, mtime)
	writeFile(t, dir, "bad.csv", "A,B\n1,2,3\n", mtime)

	env := pipelinetest.NewEnv(t, "bronze")
	res := newLoader(dir).Load(context.Background(), env)
	require.NotNil(t, res.Err)

	exists, err := env.Store.TableExists(context.Background(), "BRONZE_GOOD")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Empty(t, pipelinetest.Watermark(t, env, watermark.StreamBronzeCSVFiles))
}

func TestDiscoverRejectsCollidingTableNames(t *testing.T) {
	dir := t.TempDir()
	mtime := time.Now()
	writeFile(t, dir, "online-retail.csv", retailCSV, mtime)
	writeFile(t, dir, "online retail.csv", retailCSV, mtime)

	_, err := newLoader(dir).Discover(time.Time{})
	require.Error(t, err)
	assert.Equal(t, pipeline.KindConfig, pipeline.CategorizeError(err))
}

const mappingCSV = "rfm_score,rfm_segment,rfm_name\n555,Champions,Champions\n111.0,Lost,Lost customers\n"

func TestRFMMappingLoaderUsesFixedTypes(t *testing.T) {
	dir := t.TempDir()
	mtime := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	path := writeFile(t, dir, "rfm_mapping.csv", mappingCSV, mtime)

	env := pipelinetest.NewEnv(t, "bronze")
	loader := NewRFMMappingLoader(path, zap.NewNop())
	res := loader.Load(context.Background(), env)
	pipelinetest.RequireOk(t, res)
	assert.Equal(t, int64(2), res.RowsWritten)

	rows := storetest.Rows(t, env.Store, RFMMappingTable, `"RFM_SCORE"`)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(111), rows[0]["RFM_SCORE"])
	assert.Equal(t, "Lost customers", rows[0]["RFM_NAME"])
	assert.Equal(t, watermark.FormatTime(mtime), pipelinetest.Watermark(t, env, watermark.StreamBronzeRFMMapping))

	assert.True(t, loader.Load(context.Background(), env).IsSkipped())
}

func TestRFMMappingLoaderRejectsBadScores(t *testing.T) {
	path := writeFile(t, t.TempDir(), "rfm_mapping.csv", "RFM_SCORE,RFM_SEGMENT,RFM_NAME\nhigh,A,B\n", time.Now())

	res := NewRFMMappingLoader(path, zap.NewNop()).Load(context.Background(), pipelinetest.NewEnv(t, "bronze"))
	require.NotNil(t, res.Err)
	assert.Equal(t, pipeline.KindConfig, res.Err.Kind)
}

func TestRFMMappingLoaderSkipsMissingFile(t *testing.T) {
	res := NewRFMMappingLoader(filepath.Join(t.TempDir(), "absent.csv"), zap.NewNop()).
		Load(context.Background(), pipelinetest.NewEnv(t, "bronze"))
	assert.True(t, res.IsSkipped())
}

func TestStageMergesSubSteps(t *testing.T) {
	dir := t.TempDir()
	mtime := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	writeFile(t, dir, "online_retail.csv", retailCSV, mtime)
	mapping := writeFile(t, t.TempDir(), "rfm.csv", mappingCSV, mtime)

	s := &Stage{CSV: newLoader(dir), RFMMapping: NewRFMMappingLoader(mapping, zap.NewNop())}
	env := pipelinetest.NewEnv(t, s.Name())

	res := s.Run(context.Background(), env)
	pipelinetest.RequireOk(t, res)
	assert.Equal(t, int64(4), res.RowsWritten)

	res = s.Run(context.Background(), env)
	assert.True(t, res.IsSkipped())
}
