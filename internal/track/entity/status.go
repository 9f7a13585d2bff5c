package entity

// CodeStatus 单品码/箱码状态
type CodeStatus string

const (
	CodeStatusPending           CodeStatus = "pending"
	CodeStatusGenerated         CodeStatus = "generated"
	CodeStatusPrinted           CodeStatus = "printed"
	CodeStatusPacked            CodeStatus = "packed"
	CodeStatusReceivedWarehouse CodeStatus = "received_warehouse"
	CodeStatusShipped           CodeStatus = "shipped_distributor"
)

// validCodeTransitions 合法的码状态流转（同状态重复写入视为合法）
var validCodeTransitions = map[CodeStatus][]CodeStatus{
	CodeStatusPending:           {CodeStatusGenerated, CodeStatusPrinted, CodeStatusPacked},
	CodeStatusGenerated:         {CodeStatusPrinted, CodeStatusPacked},
	CodeStatusPrinted:           {CodeStatusPacked},
	CodeStatusPacked:            {CodeStatusReceivedWarehouse, CodeStatusShipped},
	CodeStatusReceivedWarehouse: {CodeStatusShipped},
}

// CanTransitionCode 校验码状态流转
func CanTransitionCode(from, to CodeStatus) bool {
	if from == to {
		return true
	}
	for _, s := range validCodeTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsShippable 仓库可出库状态
func (s CodeStatus) IsShippable() bool {
	return s == CodeStatusPacked || s == CodeStatusReceivedWarehouse
}

// IsLinkable 可装箱的单品码状态
func (s CodeStatus) IsLinkable() bool {
	return CanTransitionCode(s, CodeStatusPacked) && s != CodeStatusPacked
}

// LinkableCodeStatuses 可装箱状态列表，供查询条件使用
func LinkableCodeStatuses() []CodeStatus {
	var out []CodeStatus
	for _, s := range []CodeStatus{CodeStatusPending, CodeStatusGenerated, CodeStatusPrinted} {
		if s.IsLinkable() {
			out = append(out, s)
		}
	}
	return out
}

// ResolveMasterStatus 根据实际/应装数量计算箱码状态。
// 满箱 ⇔ packed；未满箱保留原状态（已 packed 的回退为 printed）。
// Cases already past the warehouse keep their status.
func ResolveMasterStatus(current CodeStatus, actual, expected int) CodeStatus {
	if current == CodeStatusReceivedWarehouse || current == CodeStatusShipped {
		return current
	}
	if expected > 0 && actual >= expected {
		return CodeStatusPacked
	}
	if current == CodeStatusPacked {
		return CodeStatusPrinted
	}
	if current == "" {
		return CodeStatusPending
	}
	return current
}

// BatchStatus 批次状态
type BatchStatus string

const (
	BatchStatusGenerated    BatchStatus = "generated"
	BatchStatusPrinting     BatchStatus = "printing"
	BatchStatusInProduction BatchStatus = "in_production"
	BatchStatusPacked       BatchStatus = "packed"
)

var validBatchTransitions = map[BatchStatus][]BatchStatus{
	BatchStatusGenerated:    {BatchStatusPrinting, BatchStatusInProduction},
	BatchStatusPrinting:     {BatchStatusInProduction},
	BatchStatusInProduction: {BatchStatusPacked},
}

// CanTransitionBatch 校验批次状态流转
func CanTransitionBatch(from, to BatchStatus) bool {
	for _, s := range validBatchTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// BatchStatusesBefore 可以流转到 to 的批次状态
func BatchStatusesBefore(to BatchStatus) []BatchStatus {
	var out []BatchStatus
	for _, from := range []BatchStatus{BatchStatusGenerated, BatchStatusPrinting, BatchStatusInProduction, BatchStatusPacked} {
		if CanTransitionBatch(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// ShipmentStatus 出库会话校验状态
type ShipmentStatus string

const (
	ShipmentStatusPending     ShipmentStatus = "pending"
	ShipmentStatusMatched     ShipmentStatus = "matched"
	ShipmentStatusDiscrepancy ShipmentStatus = "discrepancy"
	ShipmentStatusApproved    ShipmentStatus = "approved"
)

var validShipmentTransitions = map[ShipmentStatus][]ShipmentStatus{
	ShipmentStatusPending:     {ShipmentStatusMatched, ShipmentStatusDiscrepancy, ShipmentStatusApproved},
	ShipmentStatusDiscrepancy: {ShipmentStatusDiscrepancy, ShipmentStatusMatched, ShipmentStatusApproved},
}

// CanTransitionShipment 校验出库会话状态流转，matched/approved 为终态
func CanTransitionShipment(from, to ShipmentStatus) bool {
	for _, s := range validShipmentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal 终态
func (s ShipmentStatus) IsTerminal() bool {
	return s == ShipmentStatusMatched || s == ShipmentStatusApproved
}

// PreparedStatus 预备队列状态
const (
	PreparedStatusPrepared = "prepared"
	PreparedStatusConsumed = "consumed"
)

// Movement types
const (
	MovementTypeLinked  = "linked"
	MovementTypeShipped = "shipped"
)
