package entity

import (
	"fmt"
	"sort"
	"time"

	"gorm.io/datatypes"
)

// VariantCount 单个规格的箱数/件数
type VariantCount struct {
	Cases int `json:"cases"`
	Units int `json:"units"`
}

// ExpectedSummary 会话开始时仓库可出库存
type ExpectedSummary struct {
	CasesAvailable int                     `json:"cases_available"`
	UnitsAvailable int                     `json:"units_available"`
	Variants       map[string]VariantCount `json:"variants"`
	// Requested is true when the per-variant figures came from the caller
	// rather than from warehouse stock.
	Requested bool `json:"requested,omitempty"`
}

// ScannedSummary 已扫描累计
type ScannedSummary struct {
	TotalUnits int                     `json:"total_units"`
	TotalCases int                     `json:"total_cases"`
	Variants   map[string]VariantCount `json:"variants"`
}

// Add 累加一次扫描
func (s *ScannedSummary) Add(cases int, unitsByVariant map[string]int) {
	if s.Variants == nil {
		s.Variants = make(map[string]VariantCount)
	}
	s.TotalCases += cases
	for variantID, n := range unitsByVariant {
		vc := s.Variants[variantID]
		vc.Units += n
		vc.Cases += cases
		s.Variants[variantID] = vc
		s.TotalUnits += n
	}
}

// InventoryShortfall 规格短缺
type InventoryShortfall struct {
	VariantID      string `json:"variant_id"`
	ExpectedUnits  int    `json:"expected_units"`
	ScannedUnits   int    `json:"scanned_units"`
	ShortfallUnits int    `json:"shortfall_units"`
}

// DiscrepancyDetails 差异明细
type DiscrepancyDetails struct {
	Warnings            []string             `json:"warnings"`
	InventoryShortfalls []InventoryShortfall `json:"inventory_shortfalls"`
	ScanErrors          int                  `json:"scan_errors"`
}

// HasDiscrepancy 是否存在差异
func (d DiscrepancyDetails) HasDiscrepancy() bool {
	return len(d.InventoryShortfalls) > 0
}

// Reconcile 按规格比较应出/实扫
func Reconcile(expected ExpectedSummary, scanned ScannedSummary) DiscrepancyDetails {
	details := DiscrepancyDetails{
		Warnings:            []string{},
		InventoryShortfalls: []InventoryShortfall{},
	}

	variantIDs := make([]string, 0, len(expected.Variants))
	for id := range expected.Variants {
		variantIDs = append(variantIDs, id)
	}
	sort.Strings(variantIDs)

	for _, id := range variantIDs {
		want := expected.Variants[id].Units
		got := scanned.Variants[id].Units
		if got < want {
			details.InventoryShortfalls = append(details.InventoryShortfalls, InventoryShortfall{
				VariantID:      id,
				ExpectedUnits:  want,
				ScannedUnits:   got,
				ShortfallUnits: want - got,
			})
		}
	}

	if !expected.Requested {
		if scanned.TotalUnits < expected.UnitsAvailable {
			details.Warnings = append(details.Warnings,
				fmt.Sprintf("scanned %d of %d available units", scanned.TotalUnits, expected.UnitsAvailable))
		}
		if scanned.TotalCases < expected.CasesAvailable {
			details.Warnings = append(details.Warnings,
				fmt.Sprintf("scanned %d of %d available cases", scanned.TotalCases, expected.CasesAvailable))
		}
	}
	return details
}

// ShipmentSession 仓库→经销商出库会话
type ShipmentSession struct {
	ID                 string                                 `json:"id" gorm:"primaryKey;size:36"`
	WarehouseOrgID     string                                 `json:"warehouse_org_id" gorm:"size:36;not null;index"`
	DistributorOrgID   string                                 `json:"distributor_org_id" gorm:"size:36;not null;index"`
	ValidationStatus   ShipmentStatus                         `json:"validation_status" gorm:"size:20;not null;default:pending"`
	ExpectedSummary    datatypes.JSONType[ExpectedSummary]    `json:"expected_summary"`
	ScannedSummary     datatypes.JSONType[ScannedSummary]     `json:"scanned_summary"`
	DiscrepancyDetails datatypes.JSONType[DiscrepancyDetails] `json:"discrepancy_details"`
	MasterCodesScanned datatypes.JSONType[[]string]           `json:"master_codes_scanned"`
	UniqueCodesScanned datatypes.JSONType[[]string]           `json:"unique_codes_scanned"`
	ApproveDiscrepancy bool                                   `json:"approve_discrepancy" gorm:"default:false"`
	ApprovedBy         *string                                `json:"approved_by" gorm:"size:36"`
	ApprovedAt         *time.Time                             `json:"approved_at"`
	CreatedBy          string                                 `json:"created_by" gorm:"size:36"`
	Notes              string                                 `json:"notes" gorm:"type:text"`
	ManifestObjectKey  string                                 `json:"manifest_object_key" gorm:"size:255"`
	CompletedAt        *time.Time                             `json:"completed_at"`
	CreatedAt          time.Time                              `json:"created_at"`
	UpdatedAt          time.Time                              `json:"updated_at"`
}

func (ShipmentSession) TableName() string {
	return "qr_shipment_sessions"
}

// IsClosed 会话已关闭
func (s *ShipmentSession) IsClosed() bool {
	return s.CompletedAt != nil || s.ValidationStatus.IsTerminal()
}

// HasScanned 本会话是否已扫描过该码
func (s *ShipmentSession) HasScanned(code string, master bool) bool {
	list := s.UniqueCodesScanned.Data()
	if master {
		list = s.MasterCodesScanned.Data()
	}
	for _, c := range list {
		if c == code {
			return true
		}
	}
	return false
}
