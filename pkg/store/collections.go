package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"salesdesk/pkg/domain"
	"salesdesk/pkg/gateway"
)

type collectionDef struct {
	table    string
	newModel func() any
	columns  map[string]struct{}
}

func newCollectionDef(table string, newModel func() any, columns ...string) collectionDef {
	set := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		set[c] = struct{}{}
	}
	return collectionDef{table: table, newModel: newModel, columns: set}
}

var collections = map[string]collectionDef{
	domain.CollectionCustomers: newCollectionDef("customers", func() any { return &CustomerModel{} },
		"id", "company_id", "name", "phone", "email", "address", "extra", "created_at"),
	domain.CollectionSuppliers: newCollectionDef("suppliers", func() any { return &SupplierModel{} },
		"id", "company_id", "name", "contact_name", "phone", "extra", "created_at"),
	domain.CollectionSalesOrders: newCollectionDef("sales_orders", func() any { return &SalesOrderModel{} },
		"id", "company_id", "order_no", "customer_name", "status", "total_amount", "extra", "created_at"),
	domain.CollectionStockItems: newCollectionDef("stock_items", func() any { return &StockItemModel{} },
		"id", "company_id", "product_name", "sku", "quantity", "unit", "extra", "created_at"),
	domain.CollectionClaimSlips: newCollectionDef("claim_slips", func() any { return &ClaimSlipModel{} },
		"id", "company_id", "slip_no", "customer_name", "issued_at", "note", "extra", "created_at"),
	domain.CollectionUsers: newCollectionDef("users", func() any { return &UserModel{} },
		"id", "email", "is_active", "created_at", "updated_at"),
}

// Collections lists the collection names the store can serve.
func Collections() []string {
	out := make([]string, 0, len(collections))
	for name := range collections {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func lookupCollection(name string) (collectionDef, error) {
	def, ok := collections[name]
	if !ok {
		return collectionDef{}, fmt.Errorf("%w: %q", ErrUnknownCollection, name)
	}
	return def, nil
}

func (c collectionDef) checkColumn(name string) error {
	if _, ok := c.columns[name]; !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, c.table, name)
	}
	return nil
}

// validate checks every column and the window of q against the collection.
func (c collectionDef) validate(q gateway.Query) error {
	if err := c.validateFilters(q.Filters); err != nil {
		return err
	}
	if q.Order != nil {
		if err := c.checkColumn(q.Order.Column); err != nil {
			return err
		}
	}
	if q.Range != nil && (q.Range.Offset < 0 || q.Range.Limit <= 0) {
		return fmt.Errorf("%w: offset %d limit %d", ErrInvalidRange, q.Range.Offset, q.Range.Limit)
	}
	return nil
}

func (c collectionDef) validateFilters(f gateway.Filters) error {
	for _, eq := range f.Eq {
		if err := c.checkColumn(eq.Column); err != nil {
			return err
		}
	}
	for _, il := range f.ILike {
		if err := c.checkColumn(il.Column); err != nil {
			return err
		}
	}
	return nil
}

// decode builds a model from rec. The id is always assigned by the store;
// fields that are not columns are folded into the extra JSON column.
func (c collectionDef) decode(rec domain.Record) (any, error) {
	_, hasExtra := c.columns["extra"]
	cols := make(map[string]any, len(rec))
	extra := make(map[string]any)
	for k, v := range rec {
		switch {
		case k == "id":
		case k == "extra" && hasExtra:
			fields, err := extraFields(v)
			if err != nil {
				return nil, err
			}
			for ek, ev := range fields {
				extra[ek] = ev
			}
		default:
			if _, ok := c.columns[k]; ok {
				cols[k] = v
				continue
			}
			if !hasExtra {
				return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, c.table, k)
			}
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		raw, err := json.Marshal(extra)
		if err != nil {
			return nil, fmt.Errorf("encode extra: %w", err)
		}
		cols["extra"] = json.RawMessage(raw)
	}
	if _, ok := cols["created_at"]; !ok {
		if _, known := c.columns["created_at"]; known {
			cols["created_at"] = time.Now().UTC()
		}
	}
	raw, err := json.Marshal(cols)
	if err != nil {
		return nil, fmt.Errorf("encode %s record: %w", c.table, err)
	}
	model := c.newModel()
	if err := json.Unmarshal(raw, model); err != nil {
		return nil, fmt.Errorf("decode %s record: %w", c.table, err)
	}
	return model, nil
}

func extraFields(v any) (map[string]any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return x, nil
	case domain.Record:
		return x, nil
	case json.RawMessage:
		var out map[string]any
		if err := json.Unmarshal(x, &out); err != nil {
			return nil, fmt.Errorf("decode extra: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("extra must be an object, got %T", v)
	}
}

// encodeModel turns a stored model back into a record. Numbers decode as
// json.Number so ids keep their integer precision.
func encodeModel(model any) (domain.Record, error) {
	raw, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var rec domain.Record
	if err := dec.Decode(&rec); err != nil {
		return nil, err
	}
	return rec, nil
}
