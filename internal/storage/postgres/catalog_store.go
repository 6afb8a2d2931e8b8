package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/inventory/internal/domain"
)

const productColumns = `id, sku, name, category_id, price, stock, version`

type catalogStore struct {
	store *Store
}

// NewCatalogStore создаёт PostgreSQL-реализацию каталога и складского счётчика.
// Списание выполняется одиночным условный UPDATE по (id, version, stock >= qty).
func NewCatalogStore(store *Store) domain.CatalogStore {
	return &catalogStore{store: store}
}

func (c *catalogStore) CreateProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	if product.ID == "" {
		product.ID = uuid.NewString()
	}
	product.Version = 0
	if errs := product.ValidateInvariants(); len(errs) > 0 {
		return domain.Product{}, errs[0]
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := c.store.db.ExecContext(ctx, `
		INSERT INTO products (id, sku, name, category_id, price, stock, version)
		VALUES ($1, $2, $3, $4, $5, $6, 0)
	`, product.ID, product.SKU, product.Name, nullableString(product.CategoryID), product.Price, product.Stock)
	switch {
	case err == nil:
		return product, nil
	case isUniqueViolation(err):
		return domain.Product{}, domain.ErrDuplicateSKU
	case isForeignKeyViolation(err):
		return domain.Product{}, domain.ErrCategoryNotFound
	default:
		return domain.Product{}, fmt.Errorf("insert product: %w", err)
	}
}

func (c *catalogStore) Read(ctx context.Context, productID string) (domain.Product, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := c.store.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, productID)
	product, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Product{}, &domain.ProductNotFoundError{ProductID: productID}
	}
	if err != nil {
		return domain.Product{}, fmt.Errorf("select product: %w", err)
	}
	return product, nil
}

func (c *catalogStore) GetBySKU(ctx context.Context, sku string) (domain.Product, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := c.store.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE sku = $1`, sku)
	product, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Product{}, &domain.ProductNotFoundError{ProductID: sku}
	}
	if err != nil {
		return domain.Product{}, fmt.Errorf("select product by sku: %w", err)
	}
	return product, nil
}

func (c *catalogStore) TryDecrement(ctx context.Context, productID string, quantity, expectedVersion int64) (int64, error) {
	if quantity <= 0 {
		return 0, domain.ErrInvalidQuantity
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var version int64
	err := c.store.db.QueryRowContext(ctx, `
		UPDATE products
		SET stock = stock - $2,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1
		  AND version = $3
		  AND stock >= $2
		RETURNING version
	`, productID, quantity, expectedVersion).Scan(&version)
	if err == nil {
		return version, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("decrement stock: %w", err)
	}

	// Ни одна строка не обновлена, выясняем почему.
	var stock, current int64
	err = c.store.db.QueryRowContext(ctx,
		`SELECT stock, version FROM products WHERE id = $1`, productID,
	).Scan(&stock, &current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, &domain.ProductNotFoundError{ProductID: productID}
	case err != nil:
		return 0, fmt.Errorf("classify failed decrement: %w", err)
	case current != expectedVersion:
		return 0, domain.ErrVersionConflict
	case stock < quantity:
		return 0, &domain.InsufficientStockError{ProductID: productID, Available: stock, Requested: quantity}
	default:
		return 0, domain.ErrVersionConflict
	}
}

func (c *catalogStore) Increment(ctx context.Context, productID string, quantity int64) (int64, error) {
	if quantity <= 0 {
		return 0, domain.ErrInvalidQuantity
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var version int64
	err := c.store.db.QueryRowContext(ctx, `
		UPDATE products
		SET stock = stock + $2,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING version
	`, productID, quantity).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &domain.ProductNotFoundError{ProductID: productID}
	}
	if err != nil {
		return 0, fmt.Errorf("increment stock: %w", err)
	}
	return version, nil
}

func (c *catalogStore) UpdatePrice(ctx context.Context, productID string, price decimal.Decimal, expectedVersion int64) (int64, error) {
	if price.IsNegative() {
		return 0, domain.ErrPriceNegative
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := c.store.db.ExecContext(ctx, `
		UPDATE products
		SET price = $2,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1
		  AND version = $3
	`, productID, price, expectedVersion)
	if err != nil {
		if isCheckViolation(err) {
			return 0, domain.ErrPriceNegative
		}
		return 0, fmt.Errorf("update price: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := c.Read(ctx, productID); err != nil {
			return 0, err
		}
		return 0, domain.ErrVersionConflict
	}
	return expectedVersion + 1, nil
}

func (c *catalogStore) CreateCategory(ctx context.Context, category domain.Category) (domain.Category, error) {
	if category.ID == "" {
		category.ID = uuid.NewString()
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	// Категория с тем же именем возвращается как есть.
	err := c.store.db.QueryRowContext(ctx, `
		INSERT INTO categories (id, name, description)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, description
	`, category.ID, category.Name, category.Description).Scan(&category.ID, &category.Name, &category.Description)
	if err != nil {
		return domain.Category{}, fmt.Errorf("upsert category: %w", err)
	}
	return category, nil
}

func (c *catalogStore) ListByCategory(ctx context.Context, categoryID string) ([]domain.Product, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var exists bool
	if err := c.store.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM categories WHERE id = $1)`, categoryID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check category exists: %w", err)
	}
	if !exists {
		return nil, domain.ErrCategoryNotFound
	}

	rows, err := c.store.db.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE category_id = $1 ORDER BY sku`, categoryID)
	if err != nil {
		return nil, fmt.Errorf("list products by category: %w", err)
	}
	defer rows.Close()

	products := make([]domain.Product, 0)
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, product)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return products, nil
}

func (c *catalogStore) InventoryValue(ctx context.Context) (decimal.Decimal, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var value decimal.Decimal
	if err := c.store.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(price * stock), 0) FROM products`,
	).Scan(&value); err != nil {
		return decimal.Zero, fmt.Errorf("inventory value: %w", err)
	}
	return value, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var (
		product    domain.Product
		categoryID sql.NullString
	)
	if err := row.Scan(
		&product.ID, &product.SKU, &product.Name, &categoryID,
		&product.Price, &product.Stock, &product.Version,
	); err != nil {
		return domain.Product{}, err
	}
	product.CategoryID = categoryID.String
	return product, nil
}

func nullableString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

var _ domain.CatalogStore = (*catalogStore)(nil)
