// pkg/gold/verify.go
package gold

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/David-Botos/retail-medallion/pkg/store"
)

// Verifier checks a Gold build inside its transaction, before the commit
type Verifier struct {
	logger *zap.Logger
}

// VerificationReport contains the results of verifying one build
type VerificationReport struct {
	SourceRowCount  int64
	TargetRowCount  int64
	RowCountMatches bool
	Collisions      []KeyCollision
	IntegrityIssues []IntegrityIssue
}

// KeyCollision is a surrogate key shared by more than one natural key
type KeyCollision struct {
	Table string
	ID    int64
	Keys  []string
}

// IntegrityIssue represents a data integrity problem in a written table
type IntegrityIssue struct {
	Table     string
	Column    string
	IssueType string
	Count     int64
}

// NewVerifier creates a new verifier
func NewVerifier(logger *zap.Logger) *Verifier {
	return &Verifier{logger: logger.Named("gold-verifier")}
}

// VerifyRowCount compares the row counts of source and target as seen by tx
func (v *Verifier) VerifyRowCount(ctx context.Context, tx *store.Tx, source, target string) (bool, int64, int64, error) {
	var sourceCount, targetCount int64
	if err := tx.Get(ctx, &sourceCount, "SELECT COUNT(*) FROM "+tx.Quote(source)); err != nil {
		return false, 0, 0, fmt.Errorf("failed to get source row count: %w", err)
	}
	if err := tx.Get(ctx, &targetCount, "SELECT COUNT(*) FROM "+tx.Quote(target)); err != nil {
		return false, 0, 0, fmt.Errorf("failed to get target row count: %w", err)
	}

	matches := sourceCount == targetCount
	if matches {
		v.logger.Info("Row count verification successful",
			zap.String("source", source),
			zap.String("target", target),
			zap.Int64("rowCount", sourceCount))
	} else {
		v.logger.Warn("Row count mismatch",
			zap.String("source", source),
			zap.String("target", target),
			zap.Int64("sourceCount", sourceCount),
			zap.Int64("targetCount", targetCount),
			zap.Int64("difference", sourceCount-targetCount))
	}
	return matches, sourceCount, targetCount, nil
}

// FindCollisions groups natural keys by surrogate key and returns every key
// shared by more than one of them, ordered by id
func (v *Verifier) FindCollisions(table string, keys map[string]int64) []KeyCollision {
	byID := make(map[int64][]string)
	for natural, id := range keys {
		byID[id] = append(byID[id], natural)
	}

	var collisions []KeyCollision
	for id, naturals := range byID {
		if len(naturals) < 2 {
			continue
		}
		sort.Strings(naturals)
		collisions = append(collisions, KeyCollision{Table: table, ID: id, Keys: naturals})
	}
	sort.Slice(collisions, func(i, j int) bool { return collisions[i].ID < collisions[j].ID })

	if len(collisions) > 0 {
		v.logger.Warn("Surrogate key collisions found",
			zap.String("table", table),
			zap.Int("collisions", len(collisions)))
	}
	return collisions
}

// VerifyDataIntegrity counts NULLs in columns that are expected to be filled
func (v *Verifier) VerifyDataIntegrity(ctx context.Context, tx *store.Tx, table string, columns ...string) ([]IntegrityIssue, error) {
	issues := make([]IntegrityIssue, 0)
	for _, col := range columns {
		var count int64
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s IS NULL", tx.Quote(table), tx.Quote(col))
		if err := tx.Get(ctx, &count, query); err != nil {
			return nil, fmt.Errorf("failed to check null values in %s.%s: %w", table, col, err)
		}
		if count > 0 {
			issues = append(issues, IntegrityIssue{
				Table:     table,
				Column:    col,
				IssueType: "null_foreign_key",
				Count:     count,
			})
		}
	}

	if len(issues) == 0 {
		v.logger.Info("Data integrity verification successful", zap.String("table", table))
	} else {
		v.logger.Warn("Data integrity issues found",
			zap.String("table", table),
			zap.Int("issues", len(issues)))
	}
	return issues, nil
}
