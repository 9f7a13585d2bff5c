package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitfantasy/nimo-track/internal/track/entity"
	"github.com/bitfantasy/nimo-track/internal/track/repository"
	"go.uber.org/zap"
)

// MarkPerfectRequest 整箱一键装箱请求
type MarkPerfectRequest struct {
	MasterCode        string `json:"master_code" binding:"required"`
	ManufacturerOrgID string `json:"manufacturer_org_id"`
	UserID            string `json:"user_id"`
	OrderID           string `json:"order_id"`
}

// MarkPerfectResult 整箱装箱结果
type MarkPerfectResult struct {
	Success         bool            `json:"success"`
	AlreadyComplete bool            `json:"already_complete"`
	LinkedCount     int             `json:"linked_count"`
	TotalUnits      int             `json:"total_units"`
	Message         string          `json:"message"`
	MasterCodeInfo  *MasterCodeInfo `json:"master_code_info"`
	OrderInfo       *OrderInfo      `json:"order_info"`
}

// CaseCountMismatch 箱内码数与应装数量不符
type CaseCountMismatch struct {
	MasterCode string `json:"master_code"`
	CaseNumber int    `json:"case_number"`
	Expected   int    `json:"expected_unit_count"`
	Found      int    `json:"found_unit_count"`
}

// ConflictingLinks 已被其他箱码装入的单品码
type ConflictingLinks struct {
	MasterCodes []string `json:"conflicting_master_codes"`
	UnitCodes   []string `json:"unit_codes"`
}

// MarkCasePerfect 按(批次,箱号)一次性装满整箱，仅用于未经人工扫描的箱
func (s *CaseLinkService) MarkCasePerfect(ctx context.Context, req *MarkPerfectRequest) (*MarkPerfectResult, error) {
	master, err := s.resolveMaster(ctx, req.MasterCode, req.ManufacturerOrgID)
	if err != nil {
		return nil, err
	}

	if req.OrderID != "" && master.OrderID != req.OrderID {
		return nil, s.wrongOrderError(ctx, master, req.OrderID)
	}

	release, err := s.locker.Acquire(ctx, "master:"+master.ID, s.cfg.LockTTL)
	if err != nil {
		return nil, lockError("master code "+master.MasterCode, err)
	}
	defer release()

	result := &MarkPerfectResult{}
	err = s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		master, err := tx.Code.FindMasterCodeByID(ctx, master.ID)
		if err != nil {
			return fmt.Errorf("reload master code: %w", err)
		}
		order, err := loadOrder(ctx, tx, master.OrderID)
		if err != nil {
			return fmt.Errorf("load order: %w", err)
		}
		result.OrderInfo = orderInfo(order)

		units, err := tx.Code.FindUnitCodesByCase(ctx, master.BatchID, master.CaseNumber)
		if err != nil {
			return fmt.Errorf("fetch case units: %w", err)
		}
		result.TotalUnits = len(units)
		if len(units) != master.ExpectedUnitCount {
			return NewConflictError(CodeCountMismatch, "case %d has %d codes but master %s expects %d",
				master.CaseNumber, len(units), master.MasterCode, master.ExpectedUnitCount).
				WithDetails(CaseCountMismatch{
					MasterCode: master.MasterCode,
					CaseNumber: master.CaseNumber,
					Expected:   master.ExpectedUnitCount,
					Found:      len(units),
				})
		}

		var unlinked []entity.UnitCode
		otherMasters := make(map[string]struct{})
		var conflictCodes, invalidCodes []string
		for _, unit := range units {
			switch {
			case !unit.IsLinked() && !unit.Status.IsLinkable():
				invalidCodes = append(invalidCodes, unit.Code)
			case !unit.IsLinked():
				unlinked = append(unlinked, unit)
			case *unit.MasterCodeID != master.ID:
				otherMasters[*unit.MasterCodeID] = struct{}{}
				conflictCodes = append(conflictCodes, unit.Code)
			}
		}

		if len(otherMasters) > 0 {
			return s.conflictingLinkError(ctx, tx, master, otherMasters, conflictCodes)
		}
		if len(invalidCodes) > 0 {
			return NewConflictError(CodeInvalidStatus, "%d codes of case %d have left the factory and cannot be linked",
				len(invalidCodes), master.CaseNumber).
				WithDetails(map[string]interface{}{"invalid_status_codes": invalidCodes})
		}

		if len(unlinked) == 0 {
			result.Success = true
			result.AlreadyComplete = true
			result.MasterCodeInfo = masterInfo(master)
			result.Message = fmt.Sprintf("master %s already has all %d codes linked", master.MasterCode, len(units))
			return nil
		}

		var scanned []string
		for _, unit := range units {
			if unit.LastScannedBy != nil && *unit.LastScannedBy != "" {
				scanned = append(scanned, unit.Code)
			}
		}
		if len(scanned) > 0 {
			return NewConflictError(CodeManuallyScanned,
				"case %d was already processed by workers (%d scanned codes); link the remaining codes by scanning",
				master.CaseNumber, len(scanned)).
				WithDetails(map[string]interface{}{"scanned_codes": scanned})
		}

		ids := make([]string, 0, len(unlinked))
		for _, unit := range unlinked {
			ids = append(ids, unit.ID)
		}
		now := time.Now()
		n, err := tx.Code.LinkUnitCodes(ctx, ids, master.ID, "", now)
		if err != nil {
			return fmt.Errorf("link unit codes: %w", err)
		}
		if int(n) != len(ids) {
			return NewConflictError(CodeConflictingLink, "%d codes of case %d were linked concurrently elsewhere",
				len(ids)-int(n), master.CaseNumber)
		}

		if err := s.settler.settleMaster(ctx, tx, master, len(units), order, true); err != nil {
			return err
		}
		if err := s.settler.settleBatch(ctx, tx, master.BatchID); err != nil {
			return err
		}
		if err := tx.Movement.Append(ctx, linkMovements(master, ids, req.UserID, now)); err != nil {
			return fmt.Errorf("append movements: %w", err)
		}

		result.Success = true
		result.LinkedCount = len(ids)
		result.MasterCodeInfo = masterInfo(master)
		result.Message = fmt.Sprintf("linked %d codes, master %s is %s", len(ids), master.MasterCode, master.Status)
		return nil
	})
	if err != nil {
		return nil, upstream("mark case perfect", err)
	}

	if !result.AlreadyComplete {
		s.publishCase(&LinkResult{MasterCodeInfo: result.MasterCodeInfo, OrderInfo: result.OrderInfo}, "marked_perfect")
	}
	s.logger.Info("case marked perfect",
		zap.String("master_code", result.MasterCodeInfo.MasterCode),
		zap.Int("linked", result.LinkedCount),
		zap.Bool("already_complete", result.AlreadyComplete))
	return result, nil
}

// resolveMaster 解析箱码并校验制造商
func (s *CaseLinkService) resolveMaster(ctx context.Context, code, manufacturerOrgID string) (*entity.MasterCode, error) {
	if repository.NormalizeCode(code) == "" {
		return nil, NewValidationError("master_code is required")
	}
	master, err := s.repos.Code.FindMasterCodeByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, NewNotFoundError("master code %s not found", repository.NormalizeCode(code))
		}
		return nil, NewUpstreamError("find master code", err)
	}
	if manufacturerOrgID != "" && master.ManufacturerOrgID != manufacturerOrgID {
		return nil, NewPermissionError("master code %s belongs to another manufacturer", master.MasterCode)
	}
	return master, nil
}

// wrongOrderError 箱码不属于当前订单，提示双方订单号
func (s *CaseLinkService) wrongOrderError(ctx context.Context, master *entity.MasterCode, activeOrderID string) error {
	orderNo := func(id string) string {
		order, err := loadOrder(ctx, s.repos, id)
		if err != nil || order == nil || order.OrderNo == "" {
			return id
		}
		return order.OrderNo
	}
	masterOrderNo := orderNo(master.OrderID)
	activeOrderNo := orderNo(activeOrderID)
	return NewConflictError(CodeWrongOrder, "master code %s belongs to order %s, not the active order %s",
		master.MasterCode, masterOrderNo, activeOrderNo).
		WithDetails(map[string]string{
			"master_order_no": masterOrderNo,
			"active_order_no": activeOrderNo,
		})
}

func (s *CaseLinkService) conflictingLinkError(ctx context.Context, tx *repository.Repositories, master *entity.MasterCode, others map[string]struct{}, unitCodes []string) error {
	ids := make([]string, 0, len(others))
	for id := range others {
		ids = append(ids, id)
	}
	masters, err := tx.Code.FindMasterCodesByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("load conflicting masters: %w", err)
	}
	codes := make([]string, 0, len(masters))
	for _, m := range masters {
		codes = append(codes, m.MasterCode)
	}
	return NewConflictError(CodeConflictingLink, "%d codes of case %d are linked to other master codes: %v",
		len(unitCodes), master.CaseNumber, codes).
		WithDetails(ConflictingLinks{MasterCodes: codes, UnitCodes: unitCodes})
}
