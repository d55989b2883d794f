package catalog

import (
	"time"

	"gorm.io/datatypes"
)

const (
	StatusEnabled  = "enabled"
	StatusDisabled = "disabled"
)

// Product is the read model of the source catalog. The service never writes it outside tests
// and local seeding.
type Product struct {
	ID          int64          `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	ParentID    *int64         `gorm:"column:parent_id;index" json:"parent_id,omitempty"`
	SiteID      string         `gorm:"column:site_id;type:varchar(128);not null;index:idx_catalog_product_site_subtype,priority:1" json:"site_id"`
	Subtype     string         `gorm:"column:subtype;type:varchar(64);not null;index:idx_catalog_product_site_subtype,priority:2" json:"subtype"`
	Status      string         `gorm:"column:status;type:varchar(16);not null;default:enabled" json:"status"`
	Visible     bool           `gorm:"column:visible;not null" json:"visible"`
	Sku         string         `gorm:"column:sku;type:varchar(128)" json:"sku"`
	Name        string         `gorm:"column:name;type:text" json:"name"`
	Description string         `gorm:"column:description;type:text" json:"description,omitempty"`
	Price       float64        `gorm:"column:price;not null" json:"price"`
	Stock       int            `gorm:"column:stock;not null" json:"stock"`
	Attributes  datatypes.JSON `gorm:"column:attributes" json:"attributes,omitempty"`
	UpdatedAt   time.Time      `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (Product) TableName() string { return "catalog_product" }
