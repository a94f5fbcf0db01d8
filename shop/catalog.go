package shop

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a category or product does not exist.
	ErrNotFound = errors.New("shop: not found")
	// ErrConflict is returned on unique constraint violations, such as a
	// duplicate category name.
	ErrConflict = errors.New("shop: already exists")
	// ErrCategoryInUse is returned when deleting a category that still has
	// products.
	ErrCategoryInUse = errors.New("shop: category has products")
)

// DefaultPageSize bounds list queries when the caller passes no limit.
const DefaultPageSize = 50

// MaxPageSize caps list queries regardless of the requested limit.
const MaxPageSize = 200

// Category groups products.
type Category struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Product is a catalog entry. PriceMinor is the price in the currency's
// minor unit.
type Product struct {
	ID          string    `json:"id"`
	CategoryID  string    `json:"category_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	PriceMinor  int64     `json:"price_minor"`
	Currency    string    `json:"currency"`
	Stock       int64     `json:"stock"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Page bounds a list query.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Catalog is the sqlite-backed store for categories and products.
type Catalog struct {
	db *sql.DB
}

// OpenCatalog opens (or creates) the catalog database at the given sqlite
// DSN and ensures the schema. Use ":memory:" for tests.
func OpenCatalog(dsn string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	c := &Catalog{db: db}
	if err := c.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := c.ensureOrderSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) ensureSchema() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS categories (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS products (
			id          TEXT PRIMARY KEY,
			category_id TEXT NOT NULL REFERENCES categories(id),
			name        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			price_minor INTEGER NOT NULL CHECK (price_minor >= 0),
			currency    TEXT NOT NULL DEFAULT 'USD',
			stock       INTEGER NOT NULL DEFAULT 0 CHECK (stock >= 0),
			created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (category_id, name)
		);
		CREATE INDEX IF NOT EXISTS idx_products_category ON products(category_id);
	`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// CreateCategory inserts a category, generating its id.
func (c *Catalog) CreateCategory(ctx context.Context, name, description string) (Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Category{}, errors.New("shop: category name is required")
	}

	cat := Category{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO categories (id, name, description, created_at) VALUES (?, ?, ?, ?)`,
		cat.ID, cat.Name, cat.Description, cat.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Category{}, fmt.Errorf("%w: category %q", ErrConflict, name)
		}
		return Category{}, fmt.Errorf("insert category: %w", err)
	}
	return cat, nil
}

// GetCategory fetches a category by id.
func (c *Catalog) GetCategory(ctx context.Context, id string) (Category, error) {
	var cat Category
	err := c.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at FROM categories WHERE id = ?`, id,
	).Scan(&cat.ID, &cat.Name, &cat.Description, &cat.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Category{}, ErrNotFound
	}
	if err != nil {
		return Category{}, fmt.Errorf("select category: %w", err)
	}
	return cat, nil
}

// ListCategories returns categories ordered by name.
func (c *Catalog) ListCategories(ctx context.Context, page Page) ([]Category, error) {
	page = page.normalize()
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, name, description, created_at FROM categories ORDER BY name LIMIT ? OFFSET ?`,
		page.Limit, page.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	cats := make([]Category, 0, page.Limit)
	for rows.Next() {
		var cat Category
		if err := rows.Scan(&cat.ID, &cat.Name, &cat.Description, &cat.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		cats = append(cats, cat)
	}
	return cats, rows.Err()
}

// UpdateCategory replaces the name and description.
func (c *Catalog) UpdateCategory(ctx context.Context, cat Category) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE categories SET name = ?, description = ? WHERE id = ?`,
		cat.Name, cat.Description, cat.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: category %q", ErrConflict, cat.Name)
		}
		return fmt.Errorf("update category: %w", err)
	}
	return requireRow(res)
}

// DeleteCategory removes an empty category.
func (c *Catalog) DeleteCategory(ctx context.Context, id string) error {
	var count int64
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM products WHERE category_id = ?`, id,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("count products: %w", err)
	}
	if count > 0 {
		return ErrCategoryInUse
	}

	res, err := c.db.ExecContext(ctx, `DELETE FROM categories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete category: %w", err)
	}
	return requireRow(res)
}

// CreateProduct inserts a product into an existing category.
func (c *Catalog) CreateProduct(ctx context.Context, p Product) (Product, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return Product{}, errors.New("shop: product name is required")
	}
	if p.PriceMinor < 0 {
		return Product{}, errors.New("shop: price must not be negative")
	}
	if p.Currency == "" {
		p.Currency = "USD"
	}

	if _, err := c.GetCategory(ctx, p.CategoryID); err != nil {
		return Product{}, fmt.Errorf("category %s: %w", p.CategoryID, err)
	}

	now := time.Now().UTC()
	p.ID = uuid.NewString()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO products (id, category_id, name, description, price_minor, currency, stock, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.CategoryID, p.Name, p.Description, p.PriceMinor, p.Currency, p.Stock, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Product{}, fmt.Errorf("%w: product %q in category %s", ErrConflict, p.Name, p.CategoryID)
		}
		return Product{}, fmt.Errorf("insert product: %w", err)
	}
	return p, nil
}

const productColumns = `id, category_id, name, description, price_minor, currency, stock, created_at, updated_at`

func scanProduct(row interface{ Scan(...any) error }) (Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.CategoryID, &p.Name, &p.Description, &p.PriceMinor, &p.Currency, &p.Stock, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// GetProduct fetches a product by id.
func (c *Catalog) GetProduct(ctx context.Context, id string) (Product, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = ?`, id)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Product{}, ErrNotFound
	}
	if err != nil {
		return Product{}, fmt.Errorf("select product: %w", err)
	}
	return p, nil
}

// ListProducts returns products ordered by name, optionally filtered by
// category.
func (c *Catalog) ListProducts(ctx context.Context, categoryID string, page Page) ([]Product, error) {
	page = page.normalize()

	query := `SELECT ` + productColumns + ` FROM products`
	args := []any{}
	if categoryID != "" {
		query += ` WHERE category_id = ?`
		args = append(args, categoryID)
	}
	query += ` ORDER BY name LIMIT ? OFFSET ?`
	args = append(args, page.Limit, page.Offset)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	products := make([]Product, 0, page.Limit)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// UpdateProduct replaces the mutable fields of a product.
func (c *Catalog) UpdateProduct(ctx context.Context, p Product) error {
	if p.PriceMinor < 0 {
		return errors.New("shop: price must not be negative")
	}

	res, err := c.db.ExecContext(ctx, `
		UPDATE products
		SET name = ?, description = ?, price_minor = ?, currency = ?, stock = ?, updated_at = ?
		WHERE id = ?`,
		p.Name, p.Description, p.PriceMinor, p.Currency, p.Stock, time.Now().UTC(), p.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: product %q", ErrConflict, p.Name)
		}
		return fmt.Errorf("update product: %w", err)
	}
	return requireRow(res)
}

// AdjustStock applies a delta to a product's stock, failing when the result
// would go negative.
func (c *Catalog) AdjustStock(ctx context.Context, id string, delta int64) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE products SET stock = stock + ?, updated_at = ?
		WHERE id = ? AND stock + ? >= 0`,
		delta, time.Now().UTC(), id, delta,
	)
	if err != nil {
		return fmt.Errorf("adjust stock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish missing product from insufficient stock.
		if _, getErr := c.GetProduct(ctx, id); getErr != nil {
			return getErr
		}
		return ErrInsufficientStock
	}
	return nil
}

// DeleteProduct removes a product.
func (c *Catalog) DeleteProduct(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM products WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
