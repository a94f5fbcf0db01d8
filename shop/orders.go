package shop

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInsufficientStock is returned when an order asks for more units than
// are available.
var ErrInsufficientStock = errors.New("shop: insufficient stock")

// OrderItem is one requested position when placing an order.
type OrderItem struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

// Order is a placed order. TotalMinor is the sum of line prices in minor
// units at the time of purchase.
type Order struct {
	ID         string      `json:"id"`
	UserID     string      `json:"user_id"`
	Email      string      `json:"email,omitempty"`
	TotalMinor int64       `json:"total_minor"`
	Currency   string      `json:"currency"`
	CreatedAt  time.Time   `json:"created_at"`
	Lines      []OrderLine `json:"lines"`
}

func (c *Catalog) ensureOrderSchema() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS orders (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			email       TEXT NOT NULL DEFAULT '',
			total_minor INTEGER NOT NULL,
			currency    TEXT NOT NULL,
			created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS order_lines (
			order_id    TEXT NOT NULL REFERENCES orders(id),
			product_id  TEXT NOT NULL REFERENCES products(id),
			quantity    INTEGER NOT NULL CHECK (quantity > 0),
			price_minor INTEGER NOT NULL,
			PRIMARY KEY (order_id, product_id)
		);
		CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id);
	`)
	if err != nil {
		return fmt.Errorf("ensure order schema: %w", err)
	}
	return nil
}

// CreateOrder places an order atomically: stock is decremented for every
// line or the whole order fails. Prices are captured at purchase time.
func (c *Catalog) CreateOrder(ctx context.Context, userID, email string, items []OrderItem) (Order, error) {
	if len(items) == 0 {
		return Order{}, errors.New("shop: order has no items")
	}
	for _, item := range items {
		if item.Quantity <= 0 {
			return Order{}, errors.New("shop: quantity must be positive")
		}
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return Order{}, fmt.Errorf("begin order: %w", err)
	}
	defer tx.Rollback()

	order := Order{
		ID:        uuid.NewString(),
		UserID:    userID,
		Email:     email,
		Currency:  "USD",
		CreatedAt: time.Now().UTC(),
	}

	for _, item := range items {
		row := tx.QueryRowContext(ctx,
			`SELECT `+productColumns+` FROM products WHERE id = ?`, item.ProductID)
		p, err := scanProduct(row)
		if errors.Is(err, sql.ErrNoRows) {
			return Order{}, fmt.Errorf("product %s: %w", item.ProductID, ErrNotFound)
		}
		if err != nil {
			return Order{}, fmt.Errorf("select product: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE products SET stock = stock - ?, updated_at = ? WHERE id = ? AND stock >= ?`,
			item.Quantity, order.CreatedAt, item.ProductID, item.Quantity,
		)
		if err != nil {
			return Order{}, fmt.Errorf("reserve stock: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return Order{}, fmt.Errorf("product %s: %w", p.Name, ErrInsufficientStock)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO order_lines (order_id, product_id, quantity, price_minor) VALUES (?, ?, ?, ?)`,
			order.ID, p.ID, item.Quantity, p.PriceMinor,
		)
		if err != nil {
			return Order{}, fmt.Errorf("insert order line: %w", err)
		}

		order.Currency = p.Currency
		order.TotalMinor += p.PriceMinor * item.Quantity
		order.Lines = append(order.Lines, OrderLine{Product: p, Quantity: item.Quantity})
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO orders (id, user_id, email, total_minor, currency, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		order.ID, order.UserID, order.Email, order.TotalMinor, order.Currency, order.CreatedAt,
	)
	if err != nil {
		return Order{}, fmt.Errorf("insert order: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Order{}, fmt.Errorf("commit order: %w", err)
	}
	return order, nil
}

// GetOrder fetches an order with its lines, scoped to the owning user.
func (c *Catalog) GetOrder(ctx context.Context, userID, orderID string) (Order, error) {
	var order Order
	err := c.db.QueryRowContext(ctx,
		`SELECT id, user_id, email, total_minor, currency, created_at FROM orders WHERE id = ? AND user_id = ?`,
		orderID, userID,
	).Scan(&order.ID, &order.UserID, &order.Email, &order.TotalMinor, &order.Currency, &order.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("select order: %w", err)
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT p.id, p.category_id, p.name, p.description, ol.price_minor, p.currency, p.stock, p.created_at, p.updated_at, ol.quantity
		FROM order_lines ol JOIN products p ON p.id = ol.product_id
		WHERE ol.order_id = ?`, orderID)
	if err != nil {
		return Order{}, fmt.Errorf("select order lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p   Product
			qty int64
		)
		err := rows.Scan(&p.ID, &p.CategoryID, &p.Name, &p.Description, &p.PriceMinor, &p.Currency, &p.Stock, &p.CreatedAt, &p.UpdatedAt, &qty)
		if err != nil {
			return Order{}, fmt.Errorf("scan order line: %w", err)
		}
		order.Lines = append(order.Lines, OrderLine{Product: p, Quantity: qty})
	}
	return order, rows.Err()
}
