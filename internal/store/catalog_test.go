package store

import "testing"

func TestCatalogMemTableRoundTrip(t *testing.T) {
	c := NewCatalog()
	s := NewMemStore(8, 16)
	c.AddMemTable(1, s)

	got, err := c.MemTable(1)
	if err != nil {
		t.Fatalf("MemTable: %v", err)
	}
	if got != s {
		t.Fatal("MemTable returned a different store")
	}

	if _, err := c.MemTable(2); err == nil {
		t.Fatal("expected error for unregistered table_id")
	}
}

func TestCatalogValueTableRoundTrip(t *testing.T) {
	c := NewCatalog()
	s := NewValueStore(8, 16)
	c.AddValueTable(3, s)

	got, err := c.ValueTable(3)
	if err != nil {
		t.Fatalf("ValueTable: %v", err)
	}
	if got != s {
		t.Fatal("ValueTable returned a different store")
	}
}
