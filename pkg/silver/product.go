// pkg/silver/product.go
package silver

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/David-Botos/retail-medallion/pkg/cleaner"
	"github.com/David-Botos/retail-medallion/pkg/config"
	"github.com/David-Botos/retail-medallion/pkg/model"
	"github.com/David-Botos/retail-medallion/pkg/pipeline"
	"github.com/David-Botos/retail-medallion/pkg/report"
	"github.com/David-Botos/retail-medallion/pkg/store"
	"github.com/David-Botos/retail-medallion/pkg/watermark"
)

// ProductTable maps each (stock code, raw description) to one product name
const ProductTable = "SILVER_PRODUCT_MAPPING"

// ProductColumns is the layout of SILVER_PRODUCT_MAPPING
var ProductColumns = []model.Column{
	{Name: "STOCKCODE", Type: model.ColumnText},
	{Name: "DESCRIPTION_RAW", Type: model.ColumnText},
	{Name: "PRODUCT_NAME", Type: model.ColumnText},
}

// Reasons a candidate name is discarded
const (
	reasonDenylisted  = "denylisted"
	reasonSharedName  = "shared_across_stock_codes"
	reasonPass3Denied = "pass3_denylisted"
)

// ProductLine is one sales line's stock code and description
type ProductLine struct {
	StockCode   string `db:"STOCKCODE"`
	Description string `db:"DESCRIPTION_RAW"`
}

// NulledName is a candidate name discarded for a stock code
type NulledName struct {
	StockCode string
	Name      string
	Pass      int
	Reason    string
}

// Resolution is the outcome of the three denoising passes
type Resolution struct {
	// Canonical is the final name of every stock code
	Canonical map[string]string
	// Shared lists names carried by more than one stock code after pass 1
	Shared map[string]int
	Nulled []NulledName
}

// ProductResolver elects one product name per stock code by majority vote,
// discarding known noise between passes
type ProductResolver struct {
	pass2Deny  map[string]struct{}
	allow      map[string]struct{}
	pass3Deny  map[string]struct{}
	nullShared bool
}

// NewProductResolver creates a resolver from the versioned rule lists
func NewProductResolver(rules *config.ProductRules) *ProductResolver {
	return &ProductResolver{
		pass2Deny:  config.Set(rules.Pass2.Denylist),
		allow:      config.Set(rules.Pass2.Allowlist),
		pass3Deny:  config.Set(rules.Pass3.Denylist),
		nullShared: rules.Pass2.NullSharedNames,
	}
}

// Resolve runs the passes over every line. Lines are not deduplicated: the
// vote is weighted by how often each description occurs.
func (r *ProductResolver) Resolve(lines []ProductLine) *Resolution {
	codes := make([]string, len(lines))
	names := make([]string, len(lines))
	for i, l := range lines {
		codes[i] = l.StockCode
		names[i] = cleaner.CleanDescription(sql.NullString{String: l.Description, Valid: true})
	}

	res := &Resolution{Shared: make(map[string]int)}

	// Pass 1
	names, _ = fillFromBest(codes, names)

	// Pass 2
	codesPerName := make(map[string]map[string]struct{})
	for i, n := range names {
		if isNullName(n) {
			continue
		}
		if codesPerName[n] == nil {
			codesPerName[n] = make(map[string]struct{})
		}
		codesPerName[n][codes[i]] = struct{}{}
	}
	for n, cs := range codesPerName {
		if len(cs) > 1 {
			res.Shared[n] = len(cs)
		}
	}
	names = r.discard(res, codes, names, 2, func(n string) (string, bool) {
		if _, deny := r.pass2Deny[n]; deny {
			return reasonDenylisted, true
		}
		if _, keep := r.allow[n]; keep {
			return "", false
		}
		if r.nullShared && res.Shared[n] > 1 {
			return reasonSharedName, true
		}
		return "", false
	})
	names, _ = fillFromBest(codes, names)

	// Pass 3
	names = r.discard(res, codes, names, 3, func(n string) (string, bool) {
		if _, deny := r.pass3Deny[n]; deny {
			return reasonPass3Denied, true
		}
		return "", false
	})
	_, res.Canonical = fillFromBest(codes, names)

	return res
}

// discard nulls every name rejected by the rule and records each distinct
// (stock code, name) it removed
func (r *ProductResolver) discard(res *Resolution, codes, names []string, pass int, rule func(string) (string, bool)) []string {
	out := make([]string, len(names))
	seen := make(map[[2]string]struct{})
	for i, n := range names {
		if isNullName(n) {
			continue
		}
		reason, drop := rule(n)
		if !drop {
			out[i] = n
			continue
		}
		k := [2]string{codes[i], n}
		if _, dup := seen[k]; !dup {
			seen[k] = struct{}{}
			res.Nulled = append(res.Nulled, NulledName{StockCode: codes[i], Name: n, Pass: pass, Reason: reason})
		}
	}
	return out
}

// fillFromBest elects the best name per stock code and fills every null
// name with it. Non-null names are kept as they are.
func fillFromBest(codes, names []string) ([]string, map[string]string) {
	counts := make(map[string]map[string]int)
	for i, n := range names {
		if counts[codes[i]] == nil {
			counts[codes[i]] = make(map[string]int)
		}
		if !isNullName(n) {
			counts[codes[i]][n]++
		}
	}

	best := make(map[string]string, len(counts))
	for code, cands := range counts {
		best[code] = bestCandidate(cands)
	}

	out := make([]string, len(names))
	for i, n := range names {
		if isNullName(n) {
			out[i] = best[codes[i]]
		} else {
			out[i] = n
		}
	}
	return out, best
}

// bestCandidate picks the most frequent name, then the longest, then the
// lexicographically smallest. No candidates yields UNKNOWN.
func bestCandidate(cands map[string]int) string {
	best, bestCount := "", 0
	for n, c := range cands {
		switch {
		case c > bestCount:
		case c < bestCount:
			continue
		case len(n) > len(best):
		case len(n) < len(best):
			continue
		case n < best:
		default:
			continue
		}
		best, bestCount = n, c
	}
	if best == "" {
		return cleaner.Unknown
	}
	return best
}

func isNullName(n string) bool {
	return n == "" || n == cleaner.Unknown
}

// Product appends name mappings for stock codes not resolved before
type Product struct {
	rules  *config.ProductRules
	now    func() time.Time
	logger *zap.Logger
}

// NewProduct creates the product mapping step
func NewProduct(rules *config.ProductRules, logger *zap.Logger) *Product {
	return &Product{
		rules:  rules,
		now:    time.Now,
		logger: logger.Named("silver-product"),
	}
}

// WithClock overrides the clock used for the run watermark
func (p *Product) WithClock(now func() time.Time) *Product {
	p.now = now
	return p
}

// Name implements pipeline.Stage
func (p *Product) Name() string { return "silver_product" }

// Run implements pipeline.Stage
func (p *Product) Run(ctx context.Context, env *pipeline.Env) pipeline.Result {
	if err := env.RequireTable(ctx, SalesTable); err != nil {
		return pipeline.Failed("silver sales not built", err)
	}

	known, err := existingKeys(ctx, env, ProductTable, "STOCKCODE")
	if err != nil {
		return pipeline.Failed("failed to read product mapping", err)
	}

	var lines []ProductLine
	query := fmt.Sprintf("SELECT %s, %s AS %s FROM %s",
		env.Store.Quote("STOCKCODE"), env.Store.Quote("DESCRIPTION"), env.Store.Quote("DESCRIPTION_RAW"), env.Store.Quote(SalesTable))
	if err := env.Store.Select(ctx, &lines, query); err != nil {
		return pipeline.Failed("failed to read product lines", err)
	}

	fresh := make(map[string]struct{})
	for _, l := range lines {
		if _, ok := known[l.StockCode]; !ok {
			fresh[l.StockCode] = struct{}{}
		}
	}
	if len(fresh) == 0 {
		return pipeline.Skipped("no new stock codes")
	}

	p.logger.Info("Resolving product names",
		zap.Int("rules_version", p.rules.Version),
		zap.Int("new_codes", len(fresh)),
		zap.Int("known_codes", len(known)),
		zap.Int("lines", len(lines)))

	res := NewProductResolver(p.rules).Resolve(lines)
	table := p.mappingRows(lines, fresh, res)

	nulledByPass := map[int]int{}
	for _, n := range res.Nulled {
		if _, ok := fresh[n.StockCode]; !ok {
			continue
		}
		nulledByPass[n.Pass]++
		env.Diagnostics.Record(model.Diagnostic{
			TableName:     ProductTable,
			ColumnName:    "PRODUCT_NAME",
			RowKey:        n.StockCode,
			OriginalValue: n.Name,
			NewValue:      res.Canonical[n.StockCode],
			Operation:     model.OpNullProductName,
			Reason:        n.Reason,
		})
	}

	var written int64
	err = env.Commit(ctx, func(tx *store.Tx) error {
		n, err := tx.AppendRows(ctx, table)
		if err != nil {
			return err
		}
		written = n
		return env.Watermarks.Set(ctx, tx, watermark.StreamSilverProductMapping,
			watermark.FormatTime(p.now()), watermark.KindTimestamp)
	})
	if err != nil {
		return pipeline.Failed("failed to write product mapping", err)
	}

	env.Report(ctx, p.explorationReport(table, res, nulledByPass))
	return pipeline.Ok(written)
}

// mappingRows builds one row per distinct (stock code, raw description) of
// the new stock codes, each carrying the code's canonical name
func (p *Product) mappingRows(lines []ProductLine, fresh map[string]struct{}, res *Resolution) *model.Table {
	type pair struct{ code, raw string }
	seen := make(map[pair]struct{})
	var pairs []pair
	for _, l := range lines {
		if _, ok := fresh[l.StockCode]; !ok {
			continue
		}
		k := pair{l.StockCode, l.Description}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		pairs = append(pairs, k)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].code != pairs[j].code {
			return pairs[i].code < pairs[j].code
		}
		return pairs[i].raw < pairs[j].raw
	})

	table := model.NewTable(ProductTable, ProductColumns...)
	for _, pr := range pairs {
		table.AddRow(pr.code, pr.raw, res.Canonical[pr.code])
	}
	return table
}

func (p *Product) explorationReport(table *model.Table, res *Resolution, nulledByPass map[int]int) *report.Report {
	shared := &report.Table{Name: "Multi code per product", Columns: []string{"PRODUCT_NAME", "COUNT_CODE_PER_PRODUCT"}}
	names := make([]string, 0, len(res.Shared))
	for n := range res.Shared {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		if res.Shared[names[i]] != res.Shared[names[j]] {
			return res.Shared[names[i]] > res.Shared[names[j]]
		}
		return names[i] < names[j]
	})
	for _, n := range names {
		shared.Rows = append(shared.Rows, []interface{}{n, res.Shared[n]})
	}

	chart := &report.Chart{
		Name:   "Names discarded per pass",
		Type:   "bar",
		XLabel: "pass",
		YLabel: "names",
		Series: []report.Series{{Name: "discarded", Points: []report.Point{
			{X: "pass 2", Y: float64(nulledByPass[2])},
			{X: "pass 3", Y: float64(nulledByPass[3])},
		}}},
	}

	return report.New("silver_pair_code_product", p.Name()).
		Add(report.FromModel("Product and code", table), shared, chart)
}
