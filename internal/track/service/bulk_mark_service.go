package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitfantasy/nimo-track/internal/config"
	"github.com/bitfantasy/nimo-track/internal/track/entity"
	"github.com/bitfantasy/nimo-track/internal/track/repository"
	"github.com/bitfantasy/nimo-track/internal/track/sse"
	"go.uber.org/zap"
)

// Inconsistency reasons
const (
	ReasonCountMismatch       = "count_mismatch"
	ReasonLinkedToOtherMaster = "linked_to_other_master"
	ReasonInvalidStatus       = "invalid_status"
)

// BulkMarkService 订单整单装箱服务
type BulkMarkService struct {
	repos   *repository.Repositories
	locker  Locker
	cfg     config.TrackConfig
	logger  *zap.Logger
	events  EventPublisher
	settler caseSettler
}

// NewBulkMarkService 创建整单装箱服务
func NewBulkMarkService(repos *repository.Repositories, locker Locker, cfg config.TrackConfig, logger *zap.Logger) *BulkMarkService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BulkMarkService{
		repos:   repos,
		locker:  locker,
		cfg:     cfg,
		logger:  logger,
		events:  nopPublisher{},
		settler: caseSettler{logger: logger},
	}
}

// SetEventPublisher 注入事件推送
func (s *BulkMarkService) SetEventPublisher(p EventPublisher) {
	if p != nil {
		s.events = p
	}
}

// BulkMarkRequest 整单装箱请求
type BulkMarkRequest struct {
	OrderID           string `json:"order_id" binding:"required"`
	ManufacturerOrgID string `json:"manufacturer_org_id"`
	UserID            string `json:"user_id"`
}

// InconsistentCase 数量不符或存在冲突的箱
type InconsistentCase struct {
	BatchID      string   `json:"batch_id"`
	MasterCode   string   `json:"master_code"`
	CaseNumber   int      `json:"case_number"`
	Expected     int      `json:"expected_unit_count"`
	Found        int      `json:"found_unit_count"`
	Linked       int      `json:"linked_unit_count"`
	Reason       string   `json:"reason"`
	ForeignCodes []string `json:"foreign_codes,omitempty"`
	InvalidCodes []string `json:"invalid_status_codes,omitempty"`
}

// BulkMarkSummary 整单装箱汇总
type BulkMarkSummary struct {
	Success             bool               `json:"success"`
	OrderID             string             `json:"order_id"`
	OrderNo             string             `json:"order_no"`
	BatchesProcessed    int                `json:"batches_processed"`
	CasesProcessed      int                `json:"cases_processed"`
	TotalCodesLinked    int                `json:"total_codes_linked"`
	TotalCodesProcessed int                `json:"total_codes_processed"`
	PackedCases         int                `json:"packed_cases"`
	InconsistentCases   []InconsistentCase `json:"inconsistent_cases"`
}

// BulkMarkOrderPerfect 对订单下每个批次的每个箱码，按(批次,箱号)取码装箱。
// 每箱独立事务；数量不符只标记不失败。
func (s *BulkMarkService) BulkMarkOrderPerfect(ctx context.Context, req *BulkMarkRequest) (*BulkMarkSummary, error) {
	order, err := s.repos.Batch.FindOrderByID(ctx, req.OrderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, NewNotFoundError("order %s not found", req.OrderID)
		}
		return nil, NewUpstreamError("find order", err)
	}
	if req.ManufacturerOrgID != "" && order.SellerOrgID != req.ManufacturerOrgID {
		return nil, NewPermissionError("order %s belongs to another manufacturer", order.OrderNo)
	}

	batches, err := s.repos.Batch.ListByOrder(ctx, order.ID)
	if err != nil {
		return nil, NewUpstreamError("list batches", err)
	}

	summary := &BulkMarkSummary{
		OrderID:           order.ID,
		OrderNo:           order.OrderNo,
		InconsistentCases: []InconsistentCase{},
	}
	for _, batch := range batches {
		masters, err := s.repos.Code.ListMasterCodesByBatch(ctx, batch.ID)
		if err != nil {
			return nil, NewUpstreamError("list master codes", err)
		}
		for i := range masters {
			if err := s.markCase(ctx, order, &masters[i], req.UserID, summary); err != nil {
				return nil, err
			}
		}
		if err := s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
			return s.settler.settleBatch(ctx, tx, batch.ID)
		}); err != nil {
			return nil, upstream("settle batch", err)
		}
		summary.BatchesProcessed++
	}

	summary.Success = true
	s.logger.Info("order bulk marked",
		zap.String("order_id", order.ID),
		zap.Int("cases", summary.CasesProcessed),
		zap.Int("linked", summary.TotalCodesLinked),
		zap.Int("inconsistent", len(summary.InconsistentCases)))
	return summary, nil
}

// markCase 单箱装箱，持有箱码锁并在独立事务中执行
func (s *BulkMarkService) markCase(ctx context.Context, order *entity.Order, master *entity.MasterCode, userID string, summary *BulkMarkSummary) error {
	release, err := s.locker.Acquire(ctx, "master:"+master.ID, s.cfg.LockTTL)
	if err != nil {
		return lockError("master code "+master.MasterCode, err)
	}
	defer release()

	var (
		linkedNow int
		found     int
		issues    []InconsistentCase
	)
	err = s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		current, err := tx.Code.FindMasterCodeByID(ctx, master.ID)
		if err != nil {
			return fmt.Errorf("reload master code: %w", err)
		}
		units, err := tx.Code.FindUnitCodesByCase(ctx, current.BatchID, current.CaseNumber)
		if err != nil {
			return fmt.Errorf("fetch case units: %w", err)
		}
		found = len(units)

		var unlinked []string
		var foreign, invalid []string
		for _, unit := range units {
			switch {
			case !unit.IsLinked() && !unit.Status.IsLinkable():
				invalid = append(invalid, unit.Code)
			case !unit.IsLinked():
				unlinked = append(unlinked, unit.ID)
			case *unit.MasterCodeID != current.ID:
				foreign = append(foreign, unit.Code)
			}
		}

		now := time.Now()
		n, err := tx.Code.LinkUnitCodes(ctx, unlinked, current.ID, "", now)
		if err != nil {
			return fmt.Errorf("link unit codes: %w", err)
		}
		linkedNow = int(n)

		linked, err := tx.Code.CountLinkedToMaster(ctx, current.ID)
		if err != nil {
			return fmt.Errorf("count linked units: %w", err)
		}
		if err := s.settler.settleMaster(ctx, tx, current, linked, order, true); err != nil {
			return err
		}
		if linkedNow > 0 {
			if err := tx.Movement.Append(ctx, linkMovements(current, unlinked, userID, now)); err != nil {
				return fmt.Errorf("append movements: %w", err)
			}
		}

		if found != current.ExpectedUnitCount {
			issues = append(issues, InconsistentCase{
				BatchID:    current.BatchID,
				MasterCode: current.MasterCode,
				CaseNumber: current.CaseNumber,
				Expected:   current.ExpectedUnitCount,
				Found:      found,
				Linked:     linked,
				Reason:     ReasonCountMismatch,
			})
		}
		if len(foreign) > 0 {
			issues = append(issues, InconsistentCase{
				BatchID:      current.BatchID,
				MasterCode:   current.MasterCode,
				CaseNumber:   current.CaseNumber,
				Expected:     current.ExpectedUnitCount,
				Found:        found,
				Linked:       linked,
				Reason:       ReasonLinkedToOtherMaster,
				ForeignCodes: foreign,
			})
		}
		if len(invalid) > 0 {
			issues = append(issues, InconsistentCase{
				BatchID:      current.BatchID,
				MasterCode:   current.MasterCode,
				CaseNumber:   current.CaseNumber,
				Expected:     current.ExpectedUnitCount,
				Found:        found,
				Linked:       linked,
				Reason:       ReasonInvalidStatus,
				InvalidCodes: invalid,
			})
		}
		*master = *current
		return nil
	})
	if err != nil {
		return upstream("bulk mark case", err)
	}

	summary.CasesProcessed++
	summary.TotalCodesLinked += linkedNow
	summary.TotalCodesProcessed += found
	if master.Status == entity.CodeStatusPacked {
		summary.PackedCases++
	}
	summary.InconsistentCases = append(summary.InconsistentCases, issues...)

	if linkedNow > 0 {
		s.events.PublishCaseUpdate(order.SellerOrgID, sse.CaseUpdate{
			MasterCodeID: master.ID,
			MasterCode:   master.MasterCode,
			OrderID:      order.ID,
			Status:       string(master.Status),
			ActualCount:  master.ActualUnitCount,
			Expected:     master.ExpectedUnitCount,
			Action:       "bulk_marked",
		})
	}
	return nil
}
