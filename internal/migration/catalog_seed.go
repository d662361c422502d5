package migration

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type serviceSeed struct {
	ID       int64
	Code     string
	Name     string
	PriceEUR float64
}

// seedServiceCatalog upserts the built-in service catalog. Prices here are
// only defaults for fresh databases; operators adjust rows afterwards and
// the upsert never overwrites price changes.
func seedServiceCatalog(ctx context.Context, db *sql.DB) error {
	seeds := []serviceSeed{
		{ID: 1, Code: "analytics", Name: "Analytics", PriceEUR: 5.00},
		{ID: 2, Code: "storage", Name: "Object Storage", PriceEUR: 3.00},
		{ID: 3, Code: "alerting", Name: "Alerting", PriceEUR: 2.00},
		{ID: 4, Code: "audit-log", Name: "Audit Log", PriceEUR: 4.00},
	}

	tx, err := db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin catalog seed transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	const stmt = `
		INSERT INTO services (id, code, name, price_eur, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, $5)
		ON CONFLICT (code) DO NOTHING
	`

	now := time.Now().UTC()
	for _, seed := range seeds {
		if _, err := tx.ExecContext(ctx, stmt, seed.ID, seed.Code, seed.Name, seed.PriceEUR, now); err != nil {
			return fmt.Errorf("seed service %s: %w", seed.Code, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit catalog seed transaction: %w", err)
	}
	return nil
}
