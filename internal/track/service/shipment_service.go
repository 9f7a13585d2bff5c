package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bitfantasy/nimo-track/internal/config"
	"github.com/bitfantasy/nimo-track/internal/track/entity"
	"github.com/bitfantasy/nimo-track/internal/track/repository"
	"github.com/bitfantasy/nimo-track/internal/track/sse"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// Scan code types
const (
	CodeTypeMaster = "master"
	CodeTypeUnique = "unique"
)

// Scan outcomes
const (
	OutcomeShipped        = "shipped"
	OutcomeDuplicate      = "duplicate"
	OutcomeAlreadyShipped = "already_shipped"
	OutcomeNotFound       = "not_found"
	OutcomeWrongWarehouse = "wrong_warehouse"
	OutcomeInvalidStatus  = "invalid_status"
	OutcomeError          = "error"
)

// ShipmentService 仓库出库会话服务
type ShipmentService struct {
	repos    *repository.Repositories
	locker   Locker
	cfg      config.TrackConfig
	logger   *zap.Logger
	events   EventPublisher
	archiver ManifestArchiver
}

// NewShipmentService 创建出库会话服务
func NewShipmentService(repos *repository.Repositories, locker Locker, cfg config.TrackConfig, logger *zap.Logger) *ShipmentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShipmentService{
		repos:  repos,
		locker: locker,
		cfg:    cfg,
		logger: logger,
		events: nopPublisher{},
	}
}

// SetEventPublisher 注入事件推送
func (s *ShipmentService) SetEventPublisher(p EventPublisher) {
	if p != nil {
		s.events = p
	}
}

// SetManifestArchiver 注入清单归档
func (s *ShipmentService) SetManifestArchiver(a ManifestArchiver) {
	s.archiver = a
}

// StartShipmentRequest 开始出库请求
type StartShipmentRequest struct {
	WarehouseOrgID     string         `json:"warehouse_org_id" binding:"required"`
	DistributorOrgID   string         `json:"distributor_org_id" binding:"required"`
	UserID             string         `json:"user_id"`
	ExpectedQuantities map[string]int `json:"expected_quantities"`
	Notes              string         `json:"notes"`
}

// ScanRequest 出库扫描请求
type ScanRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Code      string `json:"code" binding:"required"`
	CodeType  string `json:"code_type"`
	UserID    string `json:"user_id"`
}

// ScanItem 批量扫描单项
type ScanItem struct {
	Code     string `json:"code" binding:"required"`
	CodeType string `json:"code_type"`
}

// BulkScanRequest 批量扫描请求
type BulkScanRequest struct {
	SessionID string     `json:"session_id" binding:"required"`
	UserID    string     `json:"user_id"`
	Items     []ScanItem `json:"items" binding:"required"`
}

// CompleteShipmentRequest 完成出库请求
type CompleteShipmentRequest struct {
	SessionID          string `json:"session_id" binding:"required"`
	ApproveDiscrepancy bool   `json:"approve_discrepancy"`
	UserID             string `json:"user_id"`
	Notes              string `json:"notes"`
}

// ScanResult 单次扫描结果
type ScanResult struct {
	Success          bool                  `json:"success"`
	Outcome          string                `json:"outcome"`
	Code             string                `json:"code"`
	CodeType         string                `json:"code_type"`
	Message          string                `json:"message"`
	UnitsShipped     int                   `json:"units_shipped"`
	CasesShipped     int                   `json:"cases_shipped"`
	VariantUnits     map[string]int        `json:"variant_units,omitempty"`
	ScannedSummary   entity.ScannedSummary `json:"scanned_summary"`
	ValidationStatus entity.ShipmentStatus `json:"validation_status"`
}

// BulkScanResult 批量扫描结果
type BulkScanResult struct {
	Success          bool                  `json:"success"`
	SessionID        string                `json:"session_id"`
	Total            int                   `json:"total"`
	Shipped          int                   `json:"shipped"`
	Failed           int                   `json:"failed"`
	Outcomes         map[string]int        `json:"outcomes"`
	Results          []ScanResult          `json:"results"`
	ScannedSummary   entity.ScannedSummary `json:"scanned_summary"`
	ValidationStatus entity.ShipmentStatus `json:"validation_status"`
}

// CompleteShipmentResult 完成出库结果
type CompleteShipmentResult struct {
	Success            bool                      `json:"success"`
	Closed             bool                      `json:"closed"`
	ValidationStatus   entity.ShipmentStatus     `json:"validation_status"`
	DiscrepancyDetails entity.DiscrepancyDetails `json:"discrepancy_details"`
	Message            string                    `json:"message"`
	Session            *entity.ShipmentSession   `json:"session"`
}

// StartShipment 开始出库会话，快照仓库当前可出库存
func (s *ShipmentService) StartShipment(ctx context.Context, req *StartShipmentRequest) (*entity.ShipmentSession, error) {
	if req.WarehouseOrgID == req.DistributorOrgID {
		return nil, NewValidationError("warehouse and distributor must be different organizations")
	}
	for variantID, qty := range req.ExpectedQuantities {
		if qty < 0 {
			return nil, NewValidationError("expected quantity for variant %s must not be negative", variantID)
		}
	}

	expected, err := s.repos.Shipment.SummarizeWarehouseStock(ctx, req.WarehouseOrgID)
	if err != nil {
		return nil, NewUpstreamError("summarize warehouse stock", err)
	}
	if len(req.ExpectedQuantities) > 0 {
		requested := make(map[string]entity.VariantCount, len(req.ExpectedQuantities))
		units := 0
		for variantID, qty := range req.ExpectedQuantities {
			requested[variantID] = entity.VariantCount{Cases: expected.Variants[variantID].Cases, Units: qty}
			units += qty
		}
		expected.Variants = requested
		expected.UnitsAvailable = units
		expected.Requested = true
	}

	session := &entity.ShipmentSession{
		ID:                 uuid.New().String(),
		WarehouseOrgID:     req.WarehouseOrgID,
		DistributorOrgID:   req.DistributorOrgID,
		ValidationStatus:   entity.ShipmentStatusPending,
		ExpectedSummary:    datatypes.NewJSONType(expected),
		ScannedSummary:     datatypes.NewJSONType(entity.ScannedSummary{Variants: map[string]entity.VariantCount{}}),
		DiscrepancyDetails: datatypes.NewJSONType(entity.DiscrepancyDetails{Warnings: []string{}, InventoryShortfalls: []entity.InventoryShortfall{}}),
		MasterCodesScanned: datatypes.NewJSONType([]string{}),
		UniqueCodesScanned: datatypes.NewJSONType([]string{}),
		CreatedBy:          req.UserID,
		Notes:              req.Notes,
	}
	if err := s.repos.Shipment.Create(ctx, session); err != nil {
		return nil, NewUpstreamError("create shipment session", err)
	}

	s.logger.Info("shipment session started",
		zap.String("session_id", session.ID),
		zap.String("warehouse_org_id", session.WarehouseOrgID),
		zap.String("distributor_org_id", session.DistributorOrgID),
		zap.Int("units_available", expected.UnitsAvailable))
	s.publish(session, "started")
	return session, nil
}

// GetShipment 查询出库会话
func (s *ShipmentService) GetShipment(ctx context.Context, id string) (*entity.ShipmentSession, error) {
	session, err := s.repos.Shipment.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, NewNotFoundError("shipment session %s not found", id)
		}
		return nil, NewUpstreamError("find shipment session", err)
	}
	return session, nil
}

// ListShipments 分页查询仓库出库会话
func (s *ShipmentService) ListShipments(ctx context.Context, warehouseOrgID string, page, pageSize int) ([]entity.ShipmentSession, int64, error) {
	sessions, total, err := s.repos.Shipment.ListSessions(ctx, warehouseOrgID, page, pageSize)
	if err != nil {
		return nil, 0, NewUpstreamError("list shipment sessions", err)
	}
	return sessions, total, nil
}

// ScanForShipment 单码出库扫描
func (s *ShipmentService) ScanForShipment(ctx context.Context, req *ScanRequest) (*ScanResult, error) {
	release, err := s.lockSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	result, session, err := s.scanLocked(ctx, req.SessionID, ScanItem{Code: req.Code, CodeType: req.CodeType}, req.UserID)
	if err != nil {
		return nil, err
	}
	if result.Success {
		s.publish(session, "scanned")
	}
	return result, nil
}

// BulkScanForShipment 批量扫描，逐项返回结果，单项失败不影响整体
func (s *ShipmentService) BulkScanForShipment(ctx context.Context, req *BulkScanRequest) (*BulkScanResult, error) {
	if len(req.Items) == 0 {
		return nil, NewValidationError("items must not be empty")
	}
	if limit := s.cfg.BulkScanMaxItems; limit > 0 && len(req.Items) > limit {
		return nil, NewValidationError("at most %d items per bulk scan, got %d", limit, len(req.Items))
	}

	release, err := s.lockSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	session, err := s.GetShipment(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if session.IsClosed() {
		return nil, sessionClosedError(session)
	}

	out := &BulkScanResult{
		SessionID: req.SessionID,
		Total:     len(req.Items),
		Outcomes:  make(map[string]int),
		Results:   make([]ScanResult, 0, len(req.Items)),
	}
	for _, item := range req.Items {
		res, current, err := s.scanLocked(ctx, req.SessionID, item, req.UserID)
		if err != nil {
			appErr := AsAppError(err)
			if appErr.Kind == KindUpstream {
				s.logger.Error("bulk scan item failed", zap.String("session_id", req.SessionID), zap.String("code", item.Code), zap.Error(err))
			}
			res = &ScanResult{Outcome: OutcomeError, Code: item.Code, CodeType: item.CodeType, Message: appErr.Message}
		}
		if current != nil {
			session = current
		}
		out.Outcomes[res.Outcome]++
		if res.Success {
			out.Shipped++
		} else {
			out.Failed++
		}
		out.Results = append(out.Results, *res)
	}

	out.Success = true
	out.ScannedSummary = session.ScannedSummary.Data()
	out.ValidationStatus = session.ValidationStatus
	if out.Shipped > 0 {
		s.publish(session, "scanned")
	}
	return out, nil
}

// scanLocked 单码扫描主流程，调用方持有会话锁；一次扫描的所有写入在同一事务中
func (s *ShipmentService) scanLocked(ctx context.Context, sessionID string, item ScanItem, userID string) (*ScanResult, *entity.ShipmentSession, error) {
	code := repository.NormalizeCode(item.Code)
	if code == "" {
		return nil, nil, NewValidationError("code is required")
	}
	codeType := strings.ToLower(strings.TrimSpace(item.CodeType))
	if codeType != "" && codeType != CodeTypeMaster && codeType != CodeTypeUnique {
		return nil, nil, NewValidationError("code_type must be %q or %q", CodeTypeMaster, CodeTypeUnique)
	}

	var (
		result  *ScanResult
		session *entity.ShipmentSession
	)
	err := s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		var err error
		session, err = tx.Shipment.FindByIDForUpdate(ctx, sessionID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return NewNotFoundError("shipment session %s not found", sessionID)
			}
			return fmt.Errorf("load session: %w", err)
		}
		if session.IsClosed() {
			return sessionClosedError(session)
		}

		if codeType == "" {
			codeType, err = s.detectCodeType(ctx, tx, code)
			if err != nil {
				return err
			}
		}

		if codeType == CodeTypeMaster {
			result, err = s.scanMaster(ctx, tx, session, code, userID)
		} else {
			result, err = s.scanUnit(ctx, tx, session, code, userID)
		}
		if err != nil {
			return err
		}
		result.Code = code
		result.CodeType = codeType

		if !result.Success {
			details := session.DiscrepancyDetails.Data()
			details.ScanErrors++
			session.DiscrepancyDetails = datatypes.NewJSONType(details)
		}
		if err := tx.Shipment.Save(ctx, session); err != nil {
			return fmt.Errorf("save session: %w", err)
		}
		result.ScannedSummary = session.ScannedSummary.Data()
		result.ValidationStatus = session.ValidationStatus
		return nil
	})
	if err != nil {
		return nil, nil, upstream("scan for shipment", err)
	}
	if !result.Success {
		s.logger.Info("shipment scan rejected",
			zap.String("session_id", sessionID),
			zap.String("code", code),
			zap.String("outcome", result.Outcome))
	}
	return result, session, nil
}

// detectCodeType 未指定类型时先按箱码再按单品码识别
func (s *ShipmentService) detectCodeType(ctx context.Context, tx *repository.Repositories, code string) (string, error) {
	_, err := tx.Code.FindMasterCodeByCode(ctx, code)
	if err == nil {
		return CodeTypeMaster, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return "", fmt.Errorf("detect code type: %w", err)
	}
	return CodeTypeUnique, nil
}

func (s *ShipmentService) scanMaster(ctx context.Context, tx *repository.Repositories, session *entity.ShipmentSession, code, userID string) (*ScanResult, error) {
	master, err := tx.Code.FindMasterCodeByCode(ctx, code)
	if errors.Is(err, repository.ErrNotFound) {
		return rejected(OutcomeNotFound, "master code %s not found", code), nil
	}
	if err != nil {
		return nil, fmt.Errorf("find master code: %w", err)
	}

	switch {
	case session.HasScanned(master.MasterCode, true):
		return rejected(OutcomeDuplicate, "master code %s was already scanned in this session", master.MasterCode), nil
	case master.Status == entity.CodeStatusShipped:
		return rejected(OutcomeAlreadyShipped, "master code %s was already shipped", master.MasterCode), nil
	case master.WarehouseOrgID == nil || *master.WarehouseOrgID != session.WarehouseOrgID:
		return rejected(OutcomeWrongWarehouse, "master code %s is not in this warehouse's inventory", master.MasterCode), nil
	case !master.Status.IsShippable() || !entity.CanTransitionCode(master.Status, entity.CodeStatusShipped):
		return rejected(OutcomeInvalidStatus, "master code %s has status %s and cannot be shipped", master.MasterCode, master.Status), nil
	}

	units, err := tx.Code.FindUnitCodesByMaster(ctx, master.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch case units: %w", err)
	}
	now := time.Now()
	var ids []string
	variantUnits := make(map[string]int)
	for _, unit := range units {
		if unit.Status == entity.CodeStatusShipped {
			continue
		}
		ids = append(ids, unit.ID)
		variantUnits[unit.VariantID]++
	}
	if _, err := tx.Code.UpdateUnitCodes(ctx, ids, shippedPatch(session, userID, now)); err != nil {
		return nil, fmt.Errorf("ship units: %w", err)
	}
	err = tx.Code.UpdateMasterCode(ctx, master.ID, map[string]interface{}{
		"status":                    entity.CodeStatusShipped,
		"shipped_to_distributor_id": session.DistributorOrgID,
		"shipped_at":                now,
		"last_scanned_by":           nullable(userID),
		"last_scanned_at":           now,
	})
	if err != nil {
		return nil, fmt.Errorf("ship master: %w", err)
	}
	if err := tx.Movement.Append(ctx, shipMovements(session, &master.ID, true, ids, userID, now)); err != nil {
		return nil, fmt.Errorf("append movements: %w", err)
	}

	scanned := session.ScannedSummary.Data()
	scanned.Add(1, variantUnits)
	session.ScannedSummary = datatypes.NewJSONType(scanned)
	session.MasterCodesScanned = datatypes.NewJSONType(append(session.MasterCodesScanned.Data(), master.MasterCode))

	return &ScanResult{
		Success:      true,
		Outcome:      OutcomeShipped,
		Message:      fmt.Sprintf("shipped case %s with %d units", master.MasterCode, len(ids)),
		UnitsShipped: len(ids),
		CasesShipped: 1,
		VariantUnits: variantUnits,
	}, nil
}

func (s *ShipmentService) scanUnit(ctx context.Context, tx *repository.Repositories, session *entity.ShipmentSession, code, userID string) (*ScanResult, error) {
	unit, err := tx.Code.FindUnitCodeByCode(ctx, code)
	if errors.Is(err, repository.ErrNotFound) {
		return rejected(OutcomeNotFound, "code %s not found", code), nil
	}
	if err != nil {
		return nil, fmt.Errorf("find unit code: %w", err)
	}

	if session.HasScanned(unit.Code, false) {
		return rejected(OutcomeDuplicate, "code %s was already scanned in this session", unit.Code), nil
	}
	if unit.Status == entity.CodeStatusShipped {
		return rejected(OutcomeAlreadyShipped, "code %s was already shipped", unit.Code), nil
	}
	location, err := s.unitLocation(ctx, tx, unit)
	if err != nil {
		return nil, err
	}
	if location != session.WarehouseOrgID {
		return rejected(OutcomeWrongWarehouse, "code %s is not in this warehouse's inventory", unit.Code), nil
	}
	if !unit.Status.IsShippable() {
		return rejected(OutcomeInvalidStatus, "code %s has status %s and cannot be shipped", unit.Code, unit.Status), nil
	}

	now := time.Now()
	if _, err := tx.Code.UpdateUnitCodes(ctx, []string{unit.ID}, shippedPatch(session, userID, now)); err != nil {
		return nil, fmt.Errorf("ship unit: %w", err)
	}
	if err := tx.Movement.Append(ctx, shipMovements(session, unit.MasterCodeID, false, []string{unit.ID}, userID, now)); err != nil {
		return nil, fmt.Errorf("append movements: %w", err)
	}

	variantUnits := map[string]int{unit.VariantID: 1}
	scanned := session.ScannedSummary.Data()
	scanned.Add(0, variantUnits)
	session.ScannedSummary = datatypes.NewJSONType(scanned)
	session.UniqueCodesScanned = datatypes.NewJSONType(append(session.UniqueCodesScanned.Data(), unit.Code))

	return &ScanResult{
		Success:      true,
		Outcome:      OutcomeShipped,
		Message:      fmt.Sprintf("shipped code %s", unit.Code),
		UnitsShipped: 1,
		VariantUnits: variantUnits,
	}, nil
}

// unitLocation 单品码当前所在组织：优先自身位置，其次所在箱码的仓库
func (s *ShipmentService) unitLocation(ctx context.Context, tx *repository.Repositories, unit *entity.UnitCode) (string, error) {
	if unit.CurrentLocationOrgID != nil && *unit.CurrentLocationOrgID != "" {
		return *unit.CurrentLocationOrgID, nil
	}
	if !unit.IsLinked() {
		return "", nil
	}
	master, err := tx.Code.FindMasterCodeByID(ctx, *unit.MasterCodeID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load unit master: %w", err)
	}
	if master.WarehouseOrgID == nil {
		return "", nil
	}
	return *master.WarehouseOrgID, nil
}

// CompleteShipment 按规格比对应出/实扫。无差异关闭为 matched（已批准则 approved）；
// 有差异且未批准保持 discrepancy，批准后关闭为 approved。
func (s *ShipmentService) CompleteShipment(ctx context.Context, req *CompleteShipmentRequest) (*CompleteShipmentResult, error) {
	release, err := s.lockSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	var session *entity.ShipmentSession
	err = s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		var err error
		session, err = tx.Shipment.FindByIDForUpdate(ctx, req.SessionID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return NewNotFoundError("shipment session %s not found", req.SessionID)
			}
			return fmt.Errorf("load session: %w", err)
		}
		if session.IsClosed() {
			return sessionClosedError(session)
		}

		details := entity.Reconcile(session.ExpectedSummary.Data(), session.ScannedSummary.Data())
		details.ScanErrors = session.DiscrepancyDetails.Data().ScanErrors

		next := entity.ShipmentStatusMatched
		switch {
		case req.ApproveDiscrepancy:
			next = entity.ShipmentStatusApproved
		case details.HasDiscrepancy():
			next = entity.ShipmentStatusDiscrepancy
		}
		if !entity.CanTransitionShipment(session.ValidationStatus, next) {
			return NewConflictError(CodeInvalidTransit, "shipment session cannot move from %s to %s", session.ValidationStatus, next)
		}

		now := time.Now()
		session.ValidationStatus = next
		session.DiscrepancyDetails = datatypes.NewJSONType(details)
		if req.ApproveDiscrepancy {
			session.ApproveDiscrepancy = true
			session.ApprovedBy = nullable(req.UserID)
			session.ApprovedAt = &now
		}
		if next.IsTerminal() {
			session.CompletedAt = &now
		}
		if notes := strings.TrimSpace(req.Notes); notes != "" {
			if session.Notes != "" {
				session.Notes += "\n"
			}
			session.Notes += notes
		}
		if err := tx.Shipment.Save(ctx, session); err != nil {
			return fmt.Errorf("save session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, upstream("complete shipment", err)
	}

	result := &CompleteShipmentResult{
		Success:            true,
		Closed:             session.IsClosed(),
		ValidationStatus:   session.ValidationStatus,
		DiscrepancyDetails: session.DiscrepancyDetails.Data(),
		Session:            session,
	}
	switch session.ValidationStatus {
	case entity.ShipmentStatusMatched:
		result.Message = "shipment matched expected quantities and is closed"
	case entity.ShipmentStatusApproved:
		result.Message = "shipment approved and closed"
	default:
		result.Message = "shipment has discrepancies; resubmit with approve_discrepancy=true to close"
	}

	if result.Closed {
		s.archiveManifest(ctx, session)
	}
	s.logger.Info("shipment completion",
		zap.String("session_id", session.ID),
		zap.String("status", string(session.ValidationStatus)),
		zap.Int("shortfalls", len(result.DiscrepancyDetails.InventoryShortfalls)))
	s.publish(session, "completed")
	return result, nil
}

// archiveManifest 关闭后归档清单，失败只记录日志
func (s *ShipmentService) archiveManifest(ctx context.Context, session *entity.ShipmentSession) {
	if s.archiver == nil || !s.cfg.ArchiveManifests {
		return
	}
	data, _, err := s.ManifestBytes(ctx, session.ID)
	if err != nil {
		s.logger.Warn("build manifest failed", zap.String("session_id", session.ID), zap.Error(err))
		return
	}
	key := fmt.Sprintf("shipments/%s/%s.xlsx", session.WarehouseOrgID, session.ID)
	if err := s.archiver.Archive(ctx, key, data); err != nil {
		s.logger.Warn("archive manifest failed", zap.String("session_id", session.ID), zap.Error(err))
		return
	}
	if err := s.repos.Shipment.UpdateManifestKey(ctx, session.ID, key); err != nil {
		s.logger.Warn("record manifest key failed", zap.String("session_id", session.ID), zap.Error(err))
		return
	}
	session.ManifestObjectKey = key
}

func (s *ShipmentService) lockSession(ctx context.Context, sessionID string) (func(), error) {
	if sessionID == "" {
		return nil, NewValidationError("session_id is required")
	}
	release, err := s.locker.Acquire(ctx, "session:"+sessionID, s.cfg.LockTTL)
	if err != nil {
		return nil, lockError("shipment session "+sessionID, err)
	}
	return release, nil
}

func (s *ShipmentService) publish(session *entity.ShipmentSession, action string) {
	scanned := session.ScannedSummary.Data()
	s.events.PublishShipmentUpdate(sse.ShipmentUpdate{
		SessionID:        session.ID,
		WarehouseOrgID:   session.WarehouseOrgID,
		DistributorOrgID: session.DistributorOrgID,
		ValidationStatus: string(session.ValidationStatus),
		TotalUnits:       scanned.TotalUnits,
		TotalCases:       scanned.TotalCases,
		Action:           action,
	})
}

func rejected(outcome, format string, args ...interface{}) *ScanResult {
	return &ScanResult{Outcome: outcome, Message: fmt.Sprintf(format, args...)}
}

func sessionClosedError(session *entity.ShipmentSession) *AppError {
	return NewConflictError(CodeSessionClosed, "shipment session %s is closed (%s)", session.ID, session.ValidationStatus)
}

func shippedPatch(session *entity.ShipmentSession, userID string, at time.Time) map[string]interface{} {
	return map[string]interface{}{
		"status":                  entity.CodeStatusShipped,
		"current_location_org_id": session.DistributorOrgID,
		"shipped_at":              at,
		"shipment_session_id":     session.ID,
		"last_scanned_by":         nullable(userID),
		"last_scanned_at":         at,
		"updated_at":              at,
	}
}

// shipMovements 出库流转记录；整箱出库时额外记录一条箱码流转
func shipMovements(session *entity.ShipmentSession, masterID *string, wholeCase bool, unitIDs []string, userID string, at time.Time) []entity.Movement {
	from, to, sessionID := session.WarehouseOrgID, session.DistributorOrgID, session.ID
	movements := make([]entity.Movement, 0, len(unitIDs)+1)
	if wholeCase && masterID != nil {
		movements = append(movements, entity.Movement{
			ID:           uuid.New().String(),
			MasterCodeID: masterID,
			MovementType: entity.MovementTypeShipped,
			FromOrgID:    &from,
			ToOrgID:      &to,
			SessionID:    &sessionID,
			PerformedBy:  userID,
			CreatedAt:    at,
		})
	}
	for _, id := range unitIDs {
		unitID := id
		movements = append(movements, entity.Movement{
			ID:           uuid.New().String(),
			QRCodeID:     &unitID,
			MasterCodeID: masterID,
			MovementType: entity.MovementTypeShipped,
			FromOrgID:    &from,
			ToOrgID:      &to,
			SessionID:    &sessionID,
			PerformedBy:  userID,
			CreatedAt:    at,
		})
	}
	return movements
}

// nullable 空字符串写为NULL
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// sortedVariantIDs 规格ID排序，用于清单输出
func sortedVariantIDs(m map[string]entity.VariantCount) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
