package internal

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const defaultBatchSize = 500

// buildValuesClause renders "($1, $2), ($3, $4)" for rows of equal width.
func buildValuesClause(rows [][]any) (string, []any) {
	if len(rows) == 0 {
		return "", nil
	}
	width := len(rows[0])
	values := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*width)
	for idx, row := range rows {
		base := idx*width + 1
		placeholders := make([]string, width)
		for i := 0; i < width; i++ {
			placeholders[i] = fmt.Sprintf("$%d", base+i)
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")
		args = append(args, row...)
	}
	return strings.Join(values, ", "), args
}

// execBatched runs "prefix VALUES ... suffix" for rows, batchSize rows per statement.
func execBatched(ctx context.Context, q queryer, prefix, suffix string, rows [][]any, batchSize int) error {
	if len(rows) == 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	for i := 0; i < len(rows); i += batchSize {
		end := i + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		valuesClause, args := buildValuesClause(rows[i:end])
		query := prefix + " VALUES " + valuesClause
		if suffix != "" {
			query += " " + suffix
		}
		zap.S().Debugw("batched insert", "query", prefix, "rows", end-i)
		if _, err := q.Exec(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}
