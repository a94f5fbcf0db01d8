package shop

import (
	"context"
	"errors"
	"testing"
)

func newCatalog(t *testing.T) *Catalog {
	t.Helper()

	c, err := OpenCatalog(":memory:")
	if err != nil {
		t.Fatalf("OpenCatalog failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func mustCategory(t *testing.T, c *Catalog, name string) Category {
	t.Helper()

	cat, err := c.CreateCategory(context.Background(), name, "")
	if err != nil {
		t.Fatalf("CreateCategory %s failed: %v", name, err)
	}
	return cat
}

func mustProduct(t *testing.T, c *Catalog, categoryID, name string, priceMinor, stock int64) Product {
	t.Helper()

	p, err := c.CreateProduct(context.Background(), Product{
		CategoryID: categoryID,
		Name:       name,
		PriceMinor: priceMinor,
		Stock:      stock,
	})
	if err != nil {
		t.Fatalf("CreateProduct %s failed: %v", name, err)
	}
	return p
}

func TestCategoryLifecycle(t *testing.T) {
	c := newCatalog(t)
	ctx := context.Background()

	cat := mustCategory(t, c, "Books")

	got, err := c.GetCategory(ctx, cat.ID)
	if err != nil {
		t.Fatalf("GetCategory failed: %v", err)
	}
	if got.Name != "Books" {
		t.Errorf("Name = %q, want Books", got.Name)
	}

	got.Name = "Paper Books"
	got.Description = "printed matter"
	if err := c.UpdateCategory(ctx, got); err != nil {
		t.Fatalf("UpdateCategory failed: %v", err)
	}
	got, err = c.GetCategory(ctx, cat.ID)
	if err != nil {
		t.Fatalf("GetCategory failed: %v", err)
	}
	if got.Name != "Paper Books" || got.Description != "printed matter" {
		t.Errorf("after update: %+v", got)
	}

	if err := c.DeleteCategory(ctx, cat.ID); err != nil {
		t.Fatalf("DeleteCategory failed: %v", err)
	}
	if _, err := c.GetCategory(ctx, cat.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete: err = %v, want ErrNotFound", err)
	}
}

func TestCategoryNameUnique(t *testing.T) {
	c := newCatalog(t)
	ctx := context.Background()

	mustCategory(t, c, "Books")

	if _, err := c.CreateCategory(ctx, "Books", ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestDeleteCategoryWithProducts(t *testing.T) {
	c := newCatalog(t)

	cat := mustCategory(t, c, "Books")
	mustProduct(t, c, cat.ID, "Go in Practice", 3999, 5)

	if err := c.DeleteCategory(context.Background(), cat.ID); !errors.Is(err, ErrCategoryInUse) {
		t.Fatalf("err = %v, want ErrCategoryInUse", err)
	}
}

func TestProductLifecycle(t *testing.T) {
	c := newCatalog(t)
	ctx := context.Background()

	cat := mustCategory(t, c, "Books")
	p := mustProduct(t, c, cat.ID, "Go in Practice", 3999, 5)

	got, err := c.GetProduct(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetProduct failed: %v", err)
	}
	if got.PriceMinor != 3999 || got.Currency != "USD" || got.Stock != 5 {
		t.Errorf("got %+v", got)
	}

	got.PriceMinor = 2999
	got.Stock = 7
	if err := c.UpdateProduct(ctx, got); err != nil {
		t.Fatalf("UpdateProduct failed: %v", err)
	}
	got, err = c.GetProduct(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetProduct failed: %v", err)
	}
	if got.PriceMinor != 2999 || got.Stock != 7 {
		t.Errorf("after update: %+v", got)
	}

	if err := c.DeleteProduct(ctx, p.ID); err != nil {
		t.Fatalf("DeleteProduct failed: %v", err)
	}
	if _, err := c.GetProduct(ctx, p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete: err = %v, want ErrNotFound", err)
	}
}

func TestProductRequiresExistingCategory(t *testing.T) {
	c := newCatalog(t)

	_, err := c.CreateProduct(context.Background(), Product{
		CategoryID: "absent",
		Name:       "Orphan",
		PriceMinor: 100,
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestProductNameUniquePerCategory(t *testing.T) {
	c := newCatalog(t)
	ctx := context.Background()

	books := mustCategory(t, c, "Books")
	games := mustCategory(t, c, "Games")
	mustProduct(t, c, books.ID, "Go", 1000, 1)

	if _, err := c.CreateProduct(ctx, Product{CategoryID: books.ID, Name: "Go", PriceMinor: 1000}); !errors.Is(err, ErrConflict) {
		t.Errorf("same category: err = %v, want ErrConflict", err)
	}
	// The same name in a different category is fine.
	if _, err := c.CreateProduct(ctx, Product{CategoryID: games.ID, Name: "Go", PriceMinor: 1000}); err != nil {
		t.Errorf("other category: err = %v, want nil", err)
	}
}

func TestListProductsFilterAndPaging(t *testing.T) {
	c := newCatalog(t)
	ctx := context.Background()

	books := mustCategory(t, c, "Books")
	games := mustCategory(t, c, "Games")
	for _, name := range []string{"Alpha", "Beta", "Gamma"} {
		mustProduct(t, c, books.ID, name, 1000, 1)
	}
	mustProduct(t, c, games.ID, "Chess", 2000, 1)

	all, err := c.ListProducts(ctx, "", Page{})
	if err != nil {
		t.Fatalf("ListProducts failed: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("all products = %d, want 4", len(all))
	}

	booksOnly, err := c.ListProducts(ctx, books.ID, Page{})
	if err != nil {
		t.Fatalf("ListProducts filtered failed: %v", err)
	}
	if len(booksOnly) != 3 {
		t.Errorf("filtered products = %d, want 3", len(booksOnly))
	}

	page, err := c.ListProducts(ctx, books.ID, Page{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListProducts paged failed: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("page size = %d, want 2", len(page))
	}
	// Name ordering: Beta, Gamma after skipping Alpha.
	if page[0].Name != "Beta" || page[1].Name != "Gamma" {
		t.Errorf("page = [%s, %s], want [Beta, Gamma]", page[0].Name, page[1].Name)
	}
}

func TestAdjustStock(t *testing.T) {
	c := newCatalog(t)
	ctx := context.Background()

	cat := mustCategory(t, c, "Books")
	p := mustProduct(t, c, cat.ID, "Go in Practice", 3999, 5)

	if err := c.AdjustStock(ctx, p.ID, -3); err != nil {
		t.Fatalf("AdjustStock failed: %v", err)
	}
	got, err := c.GetProduct(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetProduct failed: %v", err)
	}
	if got.Stock != 2 {
		t.Errorf("Stock = %d, want 2", got.Stock)
	}

	if err := c.AdjustStock(ctx, p.ID, -3); !errors.Is(err, ErrInsufficientStock) {
		t.Errorf("underflow: err = %v, want ErrInsufficientStock", err)
	}
	if err := c.AdjustStock(ctx, "absent", -1); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing: err = %v, want ErrNotFound", err)
	}
}
