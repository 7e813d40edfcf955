package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence. Collection tables are named after the
// collection so the generic query path can address them by name.

type IdentityModel struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	Email        string    `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string    `gorm:"not null;default:''" json:"-"`
	CreatedAt    time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (IdentityModel) TableName() string { return "identities" }

type UserModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Email     string    `gorm:"uniqueIndex;not null" json:"email"`
	IsActive  bool      `gorm:"not null;default:false;index" json:"is_active"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (UserModel) TableName() string { return "users" }

type CustomerModel struct {
	ID        int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	CompanyID string         `gorm:"not null;index" json:"company_id"`
	Name      string         `gorm:"not null" json:"name"`
	Phone     string         `json:"phone"`
	Email     string         `json:"email"`
	Address   string         `json:"address"`
	Extra     datatypes.JSON `gorm:"type:jsonb" json:"extra"`
	CreatedAt time.Time      `gorm:"not null" json:"created_at"`
}

func (CustomerModel) TableName() string { return "customers" }

type SupplierModel struct {
	ID          int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	CompanyID   string         `gorm:"not null;index" json:"company_id"`
	Name        string         `gorm:"not null" json:"name"`
	ContactName string         `json:"contact_name"`
	Phone       string         `json:"phone"`
	Extra       datatypes.JSON `gorm:"type:jsonb" json:"extra"`
	CreatedAt   time.Time      `gorm:"not null" json:"created_at"`
}

func (SupplierModel) TableName() string { return "suppliers" }

type SalesOrderModel struct {
	ID           int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	CompanyID    string         `gorm:"not null;index" json:"company_id"`
	OrderNo      string         `gorm:"not null" json:"order_no"`
	CustomerName string         `gorm:"not null" json:"customer_name"`
	Status       string         `gorm:"not null;default:'open'" json:"status"`
	TotalAmount  float64        `gorm:"not null;default:0" json:"total_amount"`
	Extra        datatypes.JSON `gorm:"type:jsonb" json:"extra"`
	CreatedAt    time.Time      `gorm:"not null" json:"created_at"`
}

func (SalesOrderModel) TableName() string { return "sales_orders" }

type StockItemModel struct {
	ID          int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	CompanyID   string         `gorm:"not null;index" json:"company_id"`
	ProductName string         `gorm:"not null" json:"product_name"`
	SKU         string         `gorm:"column:sku" json:"sku"`
	Quantity    int64          `gorm:"not null;default:0" json:"quantity"`
	Unit        string         `json:"unit"`
	Extra       datatypes.JSON `gorm:"type:jsonb" json:"extra"`
	CreatedAt   time.Time      `gorm:"not null" json:"created_at"`
}

func (StockItemModel) TableName() string { return "stock_items" }

type ClaimSlipModel struct {
	ID           int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	CompanyID    string         `gorm:"not null;index" json:"company_id"`
	SlipNo       string         `gorm:"not null" json:"slip_no"`
	CustomerName string         `json:"customer_name"`
	IssuedAt     time.Time      `json:"issued_at"`
	Note         string         `json:"note"`
	Extra        datatypes.JSON `gorm:"type:jsonb" json:"extra"`
	CreatedAt    time.Time      `gorm:"not null" json:"created_at"`
}

func (ClaimSlipModel) TableName() string { return "claim_slips" }
