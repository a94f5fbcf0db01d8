package shop

import (
	"context"
	"errors"
	"testing"
)

func TestCreateOrderCapturesPricesAndDecrementsStock(t *testing.T) {
	c := newCatalog(t)
	ctx := context.Background()

	cat := mustCategory(t, c, "Books")
	book := mustProduct(t, c, cat.ID, "Go in Practice", 3999, 5)
	mug := mustProduct(t, c, cat.ID, "Gopher Mug", 1250, 10)

	order, err := c.CreateOrder(ctx, "u1", "alice@example.com", []OrderItem{
		{ProductID: book.ID, Quantity: 2},
		{ProductID: mug.ID, Quantity: 1},
	})
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if order.TotalMinor != 2*3999+1250 {
		t.Errorf("TotalMinor = %d, want %d", order.TotalMinor, 2*3999+1250)
	}
	if len(order.Lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(order.Lines))
	}

	got, err := c.GetProduct(ctx, book.ID)
	if err != nil {
		t.Fatalf("GetProduct failed: %v", err)
	}
	if got.Stock != 3 {
		t.Errorf("book stock = %d, want 3", got.Stock)
	}

	// The stored order keeps the price paid even after a catalog change.
	book.PriceMinor = 4999
	book.Stock = got.Stock
	if err := c.UpdateProduct(ctx, book); err != nil {
		t.Fatalf("UpdateProduct failed: %v", err)
	}

	stored, err := c.GetOrder(ctx, "u1", order.ID)
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if stored.TotalMinor != order.TotalMinor {
		t.Errorf("stored total = %d, want %d", stored.TotalMinor, order.TotalMinor)
	}
	for _, line := range stored.Lines {
		if line.Product.ID == book.ID && line.Product.PriceMinor != 3999 {
			t.Errorf("line price = %d, want captured 3999", line.Product.PriceMinor)
		}
	}
}

func TestCreateOrderInsufficientStockRollsBack(t *testing.T) {
	c := newCatalog(t)
	ctx := context.Background()

	cat := mustCategory(t, c, "Books")
	book := mustProduct(t, c, cat.ID, "Go in Practice", 3999, 5)
	scarce := mustProduct(t, c, cat.ID, "Signed Edition", 9999, 1)

	_, err := c.CreateOrder(ctx, "u1", "", []OrderItem{
		{ProductID: book.ID, Quantity: 2},
		{ProductID: scarce.ID, Quantity: 3},
	})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("err = %v, want ErrInsufficientStock", err)
	}

	// The whole transaction rolled back, including the first line's
	// reservation.
	got, err := c.GetProduct(ctx, book.ID)
	if err != nil {
		t.Fatalf("GetProduct failed: %v", err)
	}
	if got.Stock != 5 {
		t.Errorf("book stock = %d, want untouched 5", got.Stock)
	}
}

func TestCreateOrderValidation(t *testing.T) {
	c := newCatalog(t)
	ctx := context.Background()

	cat := mustCategory(t, c, "Books")
	book := mustProduct(t, c, cat.ID, "Go in Practice", 3999, 5)

	if _, err := c.CreateOrder(ctx, "u1", "", nil); err == nil {
		t.Error("empty order accepted")
	}
	if _, err := c.CreateOrder(ctx, "u1", "", []OrderItem{{ProductID: book.ID, Quantity: 0}}); err == nil {
		t.Error("zero quantity accepted")
	}
	if _, err := c.CreateOrder(ctx, "u1", "", []OrderItem{{ProductID: "absent", Quantity: 1}}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing product: err = %v, want ErrNotFound", err)
	}
}

func TestGetOrderScopedToUser(t *testing.T) {
	c := newCatalog(t)
	ctx := context.Background()

	cat := mustCategory(t, c, "Books")
	book := mustProduct(t, c, cat.ID, "Go in Practice", 3999, 5)

	order, err := c.CreateOrder(ctx, "u1", "", []OrderItem{{ProductID: book.ID, Quantity: 1}})
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	if _, err := c.GetOrder(ctx, "u2", order.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other user's order visible: err = %v, want ErrNotFound", err)
	}
	if _, err := c.GetOrder(ctx, "u1", "absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing order: err = %v, want ErrNotFound", err)
	}
}
