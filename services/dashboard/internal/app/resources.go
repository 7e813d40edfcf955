package app

import (
	"slices"

	"salesdesk/pkg/domain"
)

// Resource describes one list view of the dashboard.
type Resource struct {
	Type        domain.ResourceType `json:"type"`
	Collection  string              `json:"collection"`
	SearchField string              `json:"searchField"`
}

var resources = map[domain.ResourceType]Resource{
	domain.ResourceCustomers:   {Type: domain.ResourceCustomers, Collection: domain.CollectionCustomers, SearchField: "name"},
	domain.ResourceSuppliers:   {Type: domain.ResourceSuppliers, Collection: domain.CollectionSuppliers, SearchField: "name"},
	domain.ResourceSalesOrders: {Type: domain.ResourceSalesOrders, Collection: domain.CollectionSalesOrders, SearchField: "customer_name"},
	domain.ResourceStock:       {Type: domain.ResourceStock, Collection: domain.CollectionStockItems, SearchField: "product_name"},
	domain.ResourceClaimSlips:  {Type: domain.ResourceClaimSlips, Collection: domain.CollectionClaimSlips, SearchField: "slip_no"},
}

// LookupResource returns the registry entry of rt.
func LookupResource(rt domain.ResourceType) (Resource, bool) {
	r, ok := resources[rt]
	return r, ok
}

// Resources lists every registered list view, sorted by type.
func Resources() []Resource {
	out := make([]Resource, 0, len(resources))
	for _, r := range resources {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b Resource) int {
		switch {
		case a.Type < b.Type:
			return -1
		case a.Type > b.Type:
			return 1
		}
		return 0
	})
	return out
}
