package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/core"
	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

// ExchangeStore keeps recorded request/response pairs in the exchanges
// table so base requests survive between processes. Documents are sealed
// like user attributes because replayed requests carry session values.
type ExchangeStore struct {
	store *Store
}

// Exchanges returns the exchange store sharing this connection pool.
func (s *Store) Exchanges() *ExchangeStore {
	return &ExchangeStore{store: s}
}

func (e *ExchangeStore) Put(ctx context.Context, exchange *types.Exchange) error {
	data, err := json.Marshal(exchange)
	if err != nil {
		return fmt.Errorf("failed to marshal exchange: %w", err)
	}
	document, err := e.store.sealer.Seal(string(data))
	if err != nil {
		return err
	}

	createdAt := exchange.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return e.store.exec(ctx, e.store.db, "UPSERT", "exchanges", `
		INSERT INTO exchanges (id, document, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document`,
		exchange.ID, document, createdAt,
	)
}

// Get returns core.ErrNotFound for unknown ids.
func (e *ExchangeStore) Get(ctx context.Context, id string) (*types.Exchange, error) {
	var document string
	err := e.store.db.GetContext(ctx, &document, `SELECT document FROM exchanges WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load exchange: %w", err)
	}

	data, err := e.store.sealer.Open(document)
	if err != nil {
		return nil, err
	}
	var exchange types.Exchange
	if err := json.Unmarshal([]byte(data), &exchange); err != nil {
		return nil, fmt.Errorf("failed to unmarshal exchange: %w", err)
	}
	return &exchange, nil
}

// Close is a no-op; the pool belongs to the Store.
func (e *ExchangeStore) Close() error { return nil }
