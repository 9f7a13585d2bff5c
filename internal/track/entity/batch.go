package entity

import "time"

// Batch 生产批次（一个订单下的箱码+单品码集合）
type Batch struct {
	ID           string      `json:"id" gorm:"primaryKey;size:36"`
	OrderID      string      `json:"order_id" gorm:"size:36;index"`
	BatchCode    string      `json:"batch_code" gorm:"size:64"`
	UnitsPerCase int         `json:"units_per_case"`
	Status       BatchStatus `json:"status" gorm:"size:32;not null;default:generated"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

func (Batch) TableName() string {
	return "qr_batches"
}

// Order 订单（只读）
type Order struct {
	ID          string    `json:"id" gorm:"primaryKey;size:36"`
	OrderNo     string    `json:"order_no" gorm:"size:64;index"`
	SellerOrgID string    `json:"seller_org_id" gorm:"size:36;index"`
	BuyerOrgID  *string   `json:"buyer_org_id" gorm:"size:36"`
	Status      string    `json:"status" gorm:"size:32"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Order) TableName() string {
	return "orders"
}
