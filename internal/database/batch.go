package database

import (
	"context"
	"fmt"

	"github.com/lib/pq"
)

// batchDelete implements the cursor-style retention delete: select up to
// batch ids matching the cutoff, delete them by id, repeat until a short
// page. Bounded batches keep lock times and WAL churn predictable.
func batchDelete(ctx context.Context, db *DB, batch int, selectSQL string, cutoff interface{}, deleteSQL string) (int64, error) {
	var total int64
	for {
		rows, err := db.QueryContext(ctx, selectSQL, cutoff, batch)
		if err != nil {
			return total, fmt.Errorf("select batch: %w", err)
		}
		ids := make([]string, 0, batch)
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return total, fmt.Errorf("scan id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return total, err
		}
		if len(ids) == 0 {
			return total, nil
		}

		res, err := db.ExecContext(ctx, deleteSQL, pq.Array(ids))
		if err != nil {
			return total, fmt.Errorf("delete batch: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n

		if len(ids) < batch {
			return total, nil
		}
	}
}
