package entity

import "time"

// UnitCode 单品二维码
type UnitCode struct {
	ID                   string     `json:"id" gorm:"primaryKey;size:36"`
	Code                 string     `json:"code" gorm:"size:255;uniqueIndex;not null"`
	ProductID            string     `json:"product_id" gorm:"size:36;index"`
	VariantID            string     `json:"variant_id" gorm:"size:36;index"`
	SequenceNumber       int        `json:"sequence_number"`
	BatchID              string     `json:"batch_id" gorm:"size:36;index:idx_qr_codes_batch_case"`
	OrderID              string     `json:"order_id" gorm:"size:36;index"`
	CaseNumber           int        `json:"case_number" gorm:"index:idx_qr_codes_batch_case"`
	MasterCodeID         *string    `json:"master_code_id" gorm:"size:36;index"`
	Status               CodeStatus `json:"status" gorm:"size:32;not null;default:pending"`
	IsBuffer             bool       `json:"is_buffer" gorm:"default:false"`
	LastScannedBy        *string    `json:"last_scanned_by" gorm:"size:36"`
	LastScannedAt        *time.Time `json:"last_scanned_at"`
	CurrentLocationOrgID *string    `json:"current_location_org_id" gorm:"size:36;index"`
	ShippedAt            *time.Time `json:"shipped_at"`
	ShipmentSessionID    *string    `json:"shipment_session_id" gorm:"size:36"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

func (UnitCode) TableName() string {
	return "qr_codes"
}

// IsLinked 是否已装箱
func (u *UnitCode) IsLinked() bool {
	return u.MasterCodeID != nil && *u.MasterCodeID != ""
}

// MasterCode 箱码（外箱）
type MasterCode struct {
	ID                     string     `json:"id" gorm:"primaryKey;size:36"`
	MasterCode             string     `json:"master_code" gorm:"size:255;uniqueIndex;not null"`
	BatchID                string     `json:"batch_id" gorm:"size:36;index"`
	OrderID                string     `json:"order_id" gorm:"size:36;index"`
	CaseNumber             int        `json:"case_number"`
	ExpectedUnitCount      int        `json:"expected_unit_count"`
	ActualUnitCount        int        `json:"actual_unit_count" gorm:"default:0"`
	Status                 CodeStatus `json:"status" gorm:"size:32;not null;default:pending"`
	ManufacturerOrgID      string     `json:"manufacturer_org_id" gorm:"size:36;index"`
	WarehouseOrgID         *string    `json:"warehouse_org_id" gorm:"size:36;index"`
	ShippedToDistributorID *string    `json:"shipped_to_distributor_id" gorm:"size:36"`
	ShippedAt              *time.Time `json:"shipped_at"`
	LastScannedBy          *string    `json:"last_scanned_by" gorm:"size:36"`
	LastScannedAt          *time.Time `json:"last_scanned_at"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

func (MasterCode) TableName() string {
	return "qr_master_codes"
}

// RemainingCapacity 剩余可装数量
func (m *MasterCode) RemainingCapacity() int {
	if r := m.ExpectedUnitCount - m.ActualUnitCount; r > 0 {
		return r
	}
	return 0
}

// IsFull 满箱
func (m *MasterCode) IsFull() bool {
	return m.Status == CodeStatusPacked || m.RemainingCapacity() == 0
}

// PreparedCode 反向扫描预备队列
type PreparedCode struct {
	ID             string     `json:"id" gorm:"primaryKey;size:36"`
	Code           string     `json:"code" gorm:"size:255;not null;index"`
	SequenceNumber int        `json:"sequence_number"`
	BatchID        string     `json:"batch_id" gorm:"size:36;index:idx_prepared_batch_order"`
	OrderID        string     `json:"order_id" gorm:"size:36;index:idx_prepared_batch_order"`
	Status         string     `json:"status" gorm:"size:20;not null;default:prepared"`
	MasterCodeID   *string    `json:"master_code_id" gorm:"size:36"`
	ConsumedAt     *time.Time `json:"consumed_at"`
	CreatedAt      time.Time  `json:"created_at"`
}

func (PreparedCode) TableName() string {
	return "qr_prepared_codes"
}

// Movement 码流转记录
type Movement struct {
	ID           string    `json:"id" gorm:"primaryKey;size:36"`
	QRCodeID     *string   `json:"qr_code_id" gorm:"size:36;index"`
	MasterCodeID *string   `json:"master_code_id" gorm:"size:36;index"`
	MovementType string    `json:"movement_type" gorm:"size:32;not null"`
	FromOrgID    *string   `json:"from_org_id" gorm:"size:36"`
	ToOrgID      *string   `json:"to_org_id" gorm:"size:36"`
	SessionID    *string   `json:"session_id" gorm:"size:36;index"`
	PerformedBy  string    `json:"performed_by" gorm:"size:36"`
	CreatedAt    time.Time `json:"created_at"`
}

func (Movement) TableName() string {
	return "qr_movements"
}
