package store

import (
	"strings"
	"testing"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"salesdesk/pkg/domain"
	"salesdesk/pkg/gateway"
)

func dryRunDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN: "host=127.0.0.1 user=salesdesk dbname=salesdesk sslmode=disable",
	}), &gorm.Config{DryRun: true, DisableAutomaticPing: true})
	if err != nil {
		t.Fatalf("open dry-run db: %v", err)
	}
	return db
}

func customersPageQuery(filter string, page int) gateway.Query {
	filters := gateway.Filters{}.WithEq("company_id", "c1")
	if filter != "" {
		filters = filters.WithILike("name", filter)
	}
	return gateway.Query{
		Collection: domain.CollectionCustomers,
		Filters:    filters,
		Order:      &gateway.Order{Column: "id", Desc: true},
		Range:      &gateway.Range{Offset: (page - 1) * 10, Limit: 10},
		ExactCount: true,
	}
}

func TestRowsQuerySQL(t *testing.T) {
	db := dryRunDB(t)
	q := customersPageQuery("ac", 3)
	def, err := lookupCollection(q.Collection)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	sql := db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		var rows []map[string]any
		return rowsQuery(tx, def, q).Find(&rows)
	})
	for _, want := range []string{
		`FROM "customers"`,
		`"company_id" = 'c1'`,
		`"name" ILIKE '%ac%'`,
		`ORDER BY "id" DESC`,
		`LIMIT 10`,
		`OFFSET 20`,
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("sql %q missing %q", sql, want)
		}
	}
}

func TestCountQueryIgnoresWindowAndOrder(t *testing.T) {
	db := dryRunDB(t)
	q := customersPageQuery("ac", 2)
	def, _ := lookupCollection(q.Collection)

	sql := db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		var total int64
		return countQuery(tx, def, q.Filters).Count(&total)
	})
	if !strings.Contains(sql, "count(*)") || !strings.Contains(sql, `"name" ILIKE '%ac%'`) {
		t.Fatalf("unexpected count sql: %q", sql)
	}
	if strings.Contains(sql, "LIMIT") || strings.Contains(sql, "ORDER BY") {
		t.Fatalf("count sql must not be windowed: %q", sql)
	}
}

func TestLikePatternEscapesWildcards(t *testing.T) {
	if got := likePattern(`50%_off\`); got != `%50\%\_off\\%` {
		t.Fatalf("pattern = %q", got)
	}
	if got := likePattern(""); got != "%%" {
		t.Fatalf("empty pattern = %q", got)
	}
}

func TestValidateRejectsUnknownColumns(t *testing.T) {
	def, err := lookupCollection(domain.CollectionSuppliers)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	q := gateway.Query{
		Collection: domain.CollectionSuppliers,
		Filters:    gateway.Filters{}.WithILike("password_hash", "x"),
	}
	if err := def.validate(q); err == nil {
		t.Fatalf("expected unknown column error")
	}
	q.Filters = gateway.Filters{}
	q.Range = &gateway.Range{Offset: -1, Limit: 10}
	if err := def.validate(q); err == nil {
		t.Fatalf("expected invalid range error")
	}
	if _, err := lookupCollection("identities"); err == nil {
		t.Fatalf("identities must not be queryable")
	}
}

func TestDecodeFoldsUnknownFieldsIntoExtra(t *testing.T) {
	def, _ := lookupCollection(domain.CollectionStockItems)
	model, err := def.decode(domain.Record{
		"id":           int64(99),
		"company_id":   "c1",
		"product_name": "Bolt M8",
		"quantity":     40,
		"warehouse":    "north",
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	item := model.(*StockItemModel)
	if item.ID != 0 {
		t.Fatalf("id must be assigned by the store, got %d", item.ID)
	}
	if item.ProductName != "Bolt M8" || item.Quantity != 40 {
		t.Fatalf("unexpected model: %+v", item)
	}
	if !strings.Contains(string(item.Extra), `"warehouse":"north"`) {
		t.Fatalf("extra = %s", item.Extra)
	}
	if item.CreatedAt.IsZero() {
		t.Fatalf("created_at not defaulted")
	}
}
