package ledger

import (
	"context"
	"fmt"

	"github.com/rickgao/market-broker/internal/model"
)

const createTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
	id          UUID PRIMARY KEY,
	search_id   TEXT NOT NULL,
	buyer_rq    TEXT NOT NULL,
	buyer       TEXT NOT NULL,
	seller      TEXT NOT NULL,
	item        TEXT NOT NULL,
	price       BIGINT NOT NULL,
	proceeds    NUMERIC(20, 2) NOT NULL,
	state       TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	created_at  BIGINT NOT NULL,
	finished_at BIGINT NOT NULL
)`

const insertTransaction = `
	INSERT INTO transactions (id, search_id, buyer_rq, buyer, seller, item, price, proceeds, state, reason, created_at, finished_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (id) DO NOTHING
`

// EnsureSchema creates the transactions table if it does not exist.
func EnsureSchema(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, createTransactions); err != nil {
		return fmt.Errorf("create transactions table: %w", err)
	}
	return nil
}

// row is one transactions table row. Times are Unix microseconds.
type row struct {
	ID         string
	SearchID   string
	BuyerRQ    string
	Buyer      string
	Seller     string
	Item       string
	Price      int64
	Proceeds   string
	State      string
	Reason     string
	CreatedAt  int64
	FinishedAt int64
}

// transform converts a Transaction to a row.
func transform(tx model.Transaction) row {
	r := row{
		ID:       tx.ID.String(),
		SearchID: tx.SearchID,
		BuyerRQ:  tx.BuyerRQ,
		Buyer:    tx.Buyer,
		Seller:   tx.Seller,
		Item:     tx.Item,
		Price:    tx.Price,
		Proceeds: tx.Proceeds.StringFixed(2),
		State:    string(tx.State),
		Reason:   tx.Reason,
	}
	if !tx.CreatedAt.IsZero() {
		r.CreatedAt = tx.CreatedAt.UnixMicro()
	}
	if !tx.FinishedAt.IsZero() {
		r.FinishedAt = tx.FinishedAt.UnixMicro()
	}
	return r
}
