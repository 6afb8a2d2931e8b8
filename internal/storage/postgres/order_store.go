package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/inventory/internal/domain"
)

type orderStore struct {
	store *Store
}

// NewOrderStore создаёт PostgreSQL-реализацию OrderStore.
// Заголовок, позиции и событие outbox пишутся одной транзакцией.
func NewOrderStore(store *Store) domain.OrderStore {
	return &orderStore{store: store}
}

func (r *orderStore) Save(ctx context.Context, order domain.Order) (domain.Order, error) {
	return r.save(ctx, order, nil)
}

// SaveWithEvent пишет заказ и событие outbox в одной транзакции.
func (r *orderStore) SaveWithEvent(ctx context.Context, order domain.Order, event func(domain.Order) (domain.OutboxMessage, error)) (domain.Order, error) {
	return r.save(ctx, order, event)
}

func (r *orderStore) save(ctx context.Context, order domain.Order, event func(domain.Order) (domain.OutboxMessage, error)) (domain.Order, error) {
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}

	var msg domain.OutboxMessage
	if event != nil {
		var err error
		if msg, err = event(order); err != nil {
			return domain.Order{}, fmt.Errorf("build order event: %w", err)
		}
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	err := r.store.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO orders (id, total, created_at) VALUES ($1, $2, $3)
		`, order.ID, order.Total, order.CreatedAt); err != nil {
			if isUniqueViolation(err) {
				return domain.ErrOrderExists
			}
			return fmt.Errorf("insert order: %w", err)
		}

		for _, line := range order.Lines {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO order_lines (
					order_id, position, product_id, sku, product_name, quantity, unit_price, subtotal
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`,
				order.ID, line.Position, line.ProductID, line.SKU, line.ProductName,
				line.Quantity, line.UnitPrice, line.Subtotal,
			); err != nil {
				return fmt.Errorf("insert order line %d: %w", line.Position, err)
			}
		}

		if event == nil {
			return nil
		}
		_, err := insertOutboxMessage(ctx, tx, msg)
		return err
	})
	if err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (r *orderStore) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var order domain.Order
	err := r.store.db.QueryRowContext(ctx,
		`SELECT id, total, created_at FROM orders WHERE id = $1`, id,
	).Scan(&order.ID, &order.Total, &order.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}
	order.CreatedAt = order.CreatedAt.UTC()

	lines, err := r.loadLines(ctx, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	order.Lines = lines
	return order, nil
}

// loadLines — обратный обход связи заказ -> позиции по индексу order_id.
func (r *orderStore) loadLines(ctx context.Context, orderID string) ([]domain.OrderLine, error) {
	rows, err := r.store.db.QueryContext(ctx, `
		SELECT position, product_id, sku, product_name, quantity, unit_price, subtotal
		FROM order_lines
		WHERE order_id = $1
		ORDER BY position
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order lines: %w", err)
	}
	defer rows.Close()

	lines := make([]domain.OrderLine, 0)
	for rows.Next() {
		var line domain.OrderLine
		if err := rows.Scan(
			&line.Position, &line.ProductID, &line.SKU, &line.ProductName,
			&line.Quantity, &line.UnitPrice, &line.Subtotal,
		); err != nil {
			return nil, fmt.Errorf("scan order line: %w", err)
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order lines: %w", err)
	}
	return lines, nil
}

var _ domain.OrderEventStore = (*orderStore)(nil)
