package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bitfantasy/nimo-track/internal/config"
	"github.com/bitfantasy/nimo-track/internal/track/entity"
	"github.com/bitfantasy/nimo-track/internal/track/repository"
	"github.com/bitfantasy/nimo-track/internal/track/sse"
	"go.uber.org/zap"
)

// CaseLinkService 单品码装箱服务
type CaseLinkService struct {
	repos   *repository.Repositories
	locker  Locker
	cfg     config.TrackConfig
	logger  *zap.Logger
	events  EventPublisher
	settler caseSettler
}

// NewCaseLinkService 创建装箱服务
func NewCaseLinkService(repos *repository.Repositories, locker Locker, cfg config.TrackConfig, logger *zap.Logger) *CaseLinkService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CaseLinkService{
		repos:   repos,
		locker:  locker,
		cfg:     cfg,
		logger:  logger,
		events:  nopPublisher{},
		settler: caseSettler{logger: logger},
	}
}

// SetEventPublisher 注入事件推送
func (s *CaseLinkService) SetEventPublisher(p EventPublisher) {
	if p != nil {
		s.events = p
	}
}

// LinkRequest 装箱请求
type LinkRequest struct {
	MasterCode         string   `json:"master_code" binding:"required"`
	UniqueCodes        []string `json:"unique_codes" binding:"required"`
	ManufacturerOrgID  string   `json:"manufacturer_org_id"`
	UserID             string   `json:"user_id"`
	SkipCaseValidation bool     `json:"skip_case_validation"`
}

// QueueLinkRequest 从预备队列装箱请求
type QueueLinkRequest struct {
	BatchID            string `json:"batch_id" binding:"required"`
	OrderID            string `json:"order_id" binding:"required"`
	MasterCode         string `json:"master_code" binding:"required"`
	ManufacturerOrgID  string `json:"manufacturer_org_id"`
	UserID             string `json:"user_id"`
	TargetUnits        int    `json:"target_units"`
	SkipCaseValidation bool   `json:"skip_case_validation"`
}

// SequenceRange 箱内序号范围
type SequenceRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// FilteringSummary 过滤明细，仅在有排除时返回
type FilteringSummary struct {
	TotalRequested   int            `json:"total_requested"`
	NotFound         int            `json:"not_found"`
	AlreadyLinked    int            `json:"already_linked"`
	InvalidStatus    int            `json:"invalid_status"`
	SkippedVariant   int            `json:"skipped_variant"`
	WrongBatch       int            `json:"wrong_batch"`
	WrongSequence    int            `json:"wrong_sequence"`
	Unused           int            `json:"unused"`
	CaseFull         bool           `json:"case_full"`
	ExpectedSequence *SequenceRange `json:"expected_sequence,omitempty"`
}

// LinkResult 装箱结果
type LinkResult struct {
	Success             bool              `json:"success"`
	LinkedCount         int               `json:"linked_count"`
	LinkedCodes         []string          `json:"linked_codes"`
	UnusedCodes         []string          `json:"unused_codes"`
	NotFoundCodes       []string          `json:"not_found_codes"`
	AlreadyLinkedCodes  []string          `json:"already_linked_codes"`
	AlreadyLinkedCount  int               `json:"already_linked_count"`
	InvalidStatusCodes  []string          `json:"invalid_status_codes"`
	WrongBatchCodes     []string          `json:"wrong_batch_codes"`
	SkippedVariantCodes []string          `json:"skipped_variant_codes"`
	SkippedVariantCount int               `json:"skipped_variant_count"`
	TargetVariantID     string            `json:"target_variant_id,omitempty"`
	WrongSequenceCodes  []string          `json:"wrong_sequence_codes"`
	FilteringSummary    *FilteringSummary `json:"filtering_summary,omitempty"`
	ProcessingNote      string            `json:"processing_note"`
	MasterCodeInfo      *MasterCodeInfo   `json:"master_code_info"`
	OrderInfo           *OrderInfo        `json:"order_info"`
}

// QueueLinkResult 队列装箱结果
type QueueLinkResult struct {
	LinkResult
	QueuedCount   int `json:"queued_count"`
	ConsumedCount int `json:"consumed_count"`
	StaleCount    int `json:"stale_count"`
}

func newLinkResult() *LinkResult {
	return &LinkResult{
		LinkedCodes:         []string{},
		UnusedCodes:         []string{},
		NotFoundCodes:       []string{},
		AlreadyLinkedCodes:  []string{},
		InvalidStatusCodes:  []string{},
		WrongBatchCodes:     []string{},
		SkippedVariantCodes: []string{},
		WrongSequenceCodes:  []string{},
	}
}

// LinkCodesToMaster 宽松模式装箱：逐项过滤，部分排除不视为错误
func (s *CaseLinkService) LinkCodesToMaster(ctx context.Context, req *LinkRequest) (*LinkResult, error) {
	codes := dedupeCodes(req.UniqueCodes)
	if len(codes) == 0 {
		return nil, NewValidationError("unique_codes must not be empty")
	}

	master, release, err := s.resolveAndLock(ctx, req.MasterCode, req.ManufacturerOrgID)
	if err != nil {
		return nil, err
	}
	defer release()

	var result *LinkResult
	err = s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		var txErr error
		result, txErr = s.linkInTx(ctx, tx, master.ID, codes, req.UserID, req.SkipCaseValidation)
		return txErr
	})
	if err != nil {
		return nil, upstream("link codes to master", err)
	}

	s.publishCase(result, "linked")
	return result, nil
}

// LinkFromQueue 从预备队列按序号取码装箱，已装入的队列项标记为已消费
func (s *CaseLinkService) LinkFromQueue(ctx context.Context, req *QueueLinkRequest) (*QueueLinkResult, error) {
	master, release, err := s.resolveAndLock(ctx, req.MasterCode, req.ManufacturerOrgID)
	if err != nil {
		return nil, err
	}
	defer release()

	if master.BatchID != req.BatchID {
		return nil, NewValidationError("master code %s does not belong to batch %s", master.MasterCode, req.BatchID)
	}

	limit := req.TargetUnits
	if limit <= 0 {
		limit = master.RemainingCapacity()
	}
	if master.IsFull() {
		return nil, caseFullError(master)
	}

	result := &QueueLinkResult{}
	// 失效队列项单独提交，即使本次没有可装的码也不会卡住队列
	stale, err := s.repos.Prepared.ConsumeStale(ctx, req.BatchID, req.OrderID, time.Now())
	if err != nil {
		return nil, NewUpstreamError("consume stale prepared codes", err)
	}
	result.StaleCount = int(stale)
	if stale > 0 {
		s.logger.Info("stale prepared codes consumed",
			zap.String("batch_id", req.BatchID),
			zap.String("order_id", req.OrderID),
			zap.Int64("count", stale))
	}

	minSeq, maxSeq := 0, 0
	if !req.SkipCaseValidation {
		upc, err := s.unitsPerCase(ctx, s.repos, master)
		if err != nil {
			return nil, NewUpstreamError("load batch", err)
		}
		if upc > 0 && master.CaseNumber > 0 {
			minSeq, maxSeq = (master.CaseNumber-1)*upc+1, master.CaseNumber*upc
		}
	}

	err = s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		prepared, err := tx.Prepared.ListPreparedInRange(ctx, req.BatchID, req.OrderID, minSeq, maxSeq, limit)
		if err != nil {
			return fmt.Errorf("list prepared codes: %w", err)
		}
		if len(prepared) == 0 {
			return NewConflictError(CodeNothingLinkable, "no prepared codes queued for batch %s", req.BatchID)
		}
		result.QueuedCount = len(prepared)

		codes := make([]string, 0, len(prepared))
		for _, p := range prepared {
			codes = append(codes, p.Code)
		}
		linked, err := s.linkInTx(ctx, tx, master.ID, codes, req.UserID, req.SkipCaseValidation)
		if err != nil {
			return err
		}
		result.LinkResult = *linked

		settled := make(map[string]bool, len(linked.LinkedCodes)+len(linked.AlreadyLinkedCodes))
		for _, c := range linked.LinkedCodes {
			settled[c] = true
		}
		for _, c := range linked.AlreadyLinkedCodes {
			settled[c] = true
		}
		var consume []string
		for _, p := range prepared {
			if settled[p.Code] {
				consume = append(consume, p.ID)
			}
		}
		n, err := tx.Prepared.MarkConsumed(ctx, consume, master.ID, time.Now())
		if err != nil {
			return fmt.Errorf("consume prepared codes: %w", err)
		}
		result.ConsumedCount = int(n)
		return nil
	})
	if err != nil {
		return nil, upstream("link from queue", err)
	}

	s.publishCase(&result.LinkResult, "linked_from_queue")
	return result, nil
}

// resolveAndLock 解析箱码、校验制造商并加锁
func (s *CaseLinkService) resolveAndLock(ctx context.Context, code, manufacturerOrgID string) (*entity.MasterCode, func(), error) {
	master, err := s.resolveMaster(ctx, code, manufacturerOrgID)
	if err != nil {
		return nil, nil, err
	}
	release, err := s.locker.Acquire(ctx, "master:"+master.ID, s.cfg.LockTTL)
	if err != nil {
		return nil, nil, lockError("master code "+master.MasterCode, err)
	}
	return master, release, nil
}

// linkInTx 装箱主流程，调用方需持有箱码锁并处于事务中
func (s *CaseLinkService) linkInTx(ctx context.Context, tx *repository.Repositories, masterID string, codes []string, userID string, skipCaseValidation bool) (*LinkResult, error) {
	result := newLinkResult()

	master, err := tx.Code.FindMasterCodeByID(ctx, masterID)
	if err != nil {
		return nil, fmt.Errorf("reload master code: %w", err)
	}
	order, err := loadOrder(ctx, tx, master.OrderID)
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	result.OrderInfo = orderInfo(order)

	remaining := master.RemainingCapacity()
	if master.IsFull() {
		return nil, caseFullError(master)
	}

	units, err := tx.Code.FindUnitCodesByCode(ctx, codes)
	if err != nil {
		return nil, fmt.Errorf("fetch unit codes: %w", err)
	}
	byCode := make(map[string]*entity.UnitCode, len(units))
	for i := range units {
		byCode[units[i].Code] = &units[i]
	}

	available := make([]*entity.UnitCode, 0, len(codes))
	for _, code := range codes {
		unit, ok := byCode[code]
		switch {
		case !ok:
			result.NotFoundCodes = append(result.NotFoundCodes, code)
		case unit.IsLinked():
			result.AlreadyLinkedCodes = append(result.AlreadyLinkedCodes, code)
		case !unit.Status.IsLinkable():
			result.InvalidStatusCodes = append(result.InvalidStatusCodes, code)
		default:
			available = append(available, unit)
		}
	}
	result.AlreadyLinkedCount = len(result.AlreadyLinkedCodes)

	linkedUnits, err := tx.Code.FindUnitCodesByMaster(ctx, master.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch linked units: %w", err)
	}
	target := ""
	if len(linkedUnits) > 0 {
		target = linkedUnits[0].VariantID
	} else {
		target = majorityVariant(available)
	}
	result.TargetVariantID = target

	matching := make([]*entity.UnitCode, 0, len(available))
	for _, unit := range available {
		if unit.VariantID != target {
			result.SkippedVariantCodes = append(result.SkippedVariantCodes, unit.Code)
			continue
		}
		if unit.BatchID != master.BatchID {
			result.WrongBatchCodes = append(result.WrongBatchCodes, unit.Code)
			continue
		}
		matching = append(matching, unit)
	}
	result.SkippedVariantCount = len(result.SkippedVariantCodes)

	var seqRange *SequenceRange
	if !skipCaseValidation {
		upc, err := s.unitsPerCase(ctx, tx, master)
		if err != nil {
			return nil, err
		}
		if upc > 0 && master.CaseNumber > 0 {
			seqRange = &SequenceRange{Min: (master.CaseNumber-1)*upc + 1, Max: master.CaseNumber * upc}
			inRange := matching[:0]
			for _, unit := range matching {
				if unit.SequenceNumber < seqRange.Min || unit.SequenceNumber > seqRange.Max {
					result.WrongSequenceCodes = append(result.WrongSequenceCodes, unit.Code)
					continue
				}
				inRange = append(inRange, unit)
			}
			matching = inRange
		}
	}

	take := len(matching)
	if take > remaining {
		take = remaining
	}
	toLink := matching[:take]
	for _, unit := range matching[take:] {
		result.UnusedCodes = append(result.UnusedCodes, unit.Code)
	}

	summary := &FilteringSummary{
		TotalRequested:   len(codes),
		NotFound:         len(result.NotFoundCodes),
		AlreadyLinked:    len(result.AlreadyLinkedCodes),
		InvalidStatus:    len(result.InvalidStatusCodes),
		SkippedVariant:   len(result.SkippedVariantCodes),
		WrongBatch:       len(result.WrongBatchCodes),
		WrongSequence:    len(result.WrongSequenceCodes),
		Unused:           len(result.UnusedCodes),
		CaseFull:         len(result.UnusedCodes) > 0,
		ExpectedSequence: seqRange,
	}

	if len(toLink) == 0 {
		result.FilteringSummary = summary
		result.MasterCodeInfo = masterInfo(master)
		result.ProcessingNote = processingNote(result, summary)
		return nil, NewConflictError(CodeNothingLinkable, "no codes could be linked to %s", master.MasterCode).WithDetails(result)
	}

	ids := make([]string, 0, len(toLink))
	for _, unit := range toLink {
		ids = append(ids, unit.ID)
	}
	now := time.Now()
	n, err := tx.Code.LinkUnitCodes(ctx, ids, master.ID, userID, now)
	if err != nil {
		return nil, fmt.Errorf("link unit codes: %w", err)
	}
	if int(n) != len(ids) {
		// another master took some of these units between fetch and update
		ids, err = s.reconcileRace(ctx, tx, master.ID, toLink, result)
		if err != nil {
			return nil, err
		}
		summary.AlreadyLinked = len(result.AlreadyLinkedCodes)
	} else {
		for _, unit := range toLink {
			result.LinkedCodes = append(result.LinkedCodes, unit.Code)
		}
	}
	if len(ids) == 0 {
		return nil, NewConflictError(CodeNothingLinkable, "all candidate codes were linked concurrently elsewhere").WithDetails(result)
	}

	ok, err := tx.Code.IncrementActualUnitCount(ctx, master.ID, len(ids))
	if err != nil {
		return nil, fmt.Errorf("increment actual unit count: %w", err)
	}
	if !ok {
		return nil, caseFullError(master)
	}
	if err := s.settler.settleMaster(ctx, tx, master, master.ActualUnitCount+len(ids), order, false); err != nil {
		return nil, err
	}
	if err := s.settler.settleBatch(ctx, tx, master.BatchID); err != nil {
		return nil, err
	}
	if err := tx.Movement.Append(ctx, linkMovements(master, ids, userID, now)); err != nil {
		return nil, fmt.Errorf("append movements: %w", err)
	}

	result.Success = true
	result.LinkedCount = len(ids)
	result.MasterCodeInfo = masterInfo(master)
	if summary.NotFound+summary.AlreadyLinked+summary.InvalidStatus+summary.SkippedVariant+summary.WrongBatch+summary.WrongSequence+summary.Unused > 0 {
		result.FilteringSummary = summary
	}
	result.ProcessingNote = processingNote(result, summary)
	return result, nil
}

// reconcileRace 重新读取候选码，区分本箱已装入与被其他箱抢占的码
func (s *CaseLinkService) reconcileRace(ctx context.Context, tx *repository.Repositories, masterID string, attempted []*entity.UnitCode, result *LinkResult) ([]string, error) {
	codes := make([]string, 0, len(attempted))
	for _, unit := range attempted {
		codes = append(codes, unit.Code)
	}
	fresh, err := tx.Code.FindUnitCodesByCode(ctx, codes)
	if err != nil {
		return nil, fmt.Errorf("refetch unit codes: %w", err)
	}
	owner := make(map[string]string, len(fresh))
	for _, unit := range fresh {
		if unit.MasterCodeID != nil {
			owner[unit.Code] = *unit.MasterCodeID
		}
	}
	var ids []string
	for _, unit := range attempted {
		if owner[unit.Code] == masterID {
			ids = append(ids, unit.ID)
			result.LinkedCodes = append(result.LinkedCodes, unit.Code)
			continue
		}
		result.AlreadyLinkedCodes = append(result.AlreadyLinkedCodes, unit.Code)
	}
	result.AlreadyLinkedCount = len(result.AlreadyLinkedCodes)
	s.logger.Warn("concurrent link detected",
		zap.String("master_code_id", masterID),
		zap.Int("attempted", len(attempted)),
		zap.Int("linked", len(ids)))
	return ids, nil
}

// unitsPerCase 批次每箱数量，缺失时用箱码应装数量
func (s *CaseLinkService) unitsPerCase(ctx context.Context, tx *repository.Repositories, master *entity.MasterCode) (int, error) {
	if master.BatchID != "" {
		batch, err := tx.Batch.FindByID(ctx, master.BatchID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return 0, fmt.Errorf("load batch: %w", err)
		}
		if batch != nil && batch.UnitsPerCase > 0 {
			return batch.UnitsPerCase, nil
		}
	}
	return master.ExpectedUnitCount, nil
}

func (s *CaseLinkService) publishCase(result *LinkResult, action string) {
	if result == nil || result.MasterCodeInfo == nil {
		return
	}
	info := result.MasterCodeInfo
	orgID := ""
	if result.OrderInfo != nil {
		orgID = result.OrderInfo.SellerOrgID
	}
	orderID := ""
	if result.OrderInfo != nil {
		orderID = result.OrderInfo.ID
	}
	s.events.PublishCaseUpdate(orgID, sse.CaseUpdate{
		MasterCodeID: info.ID,
		MasterCode:   info.MasterCode,
		OrderID:      orderID,
		Status:       string(info.Status),
		ActualCount:  info.ActualUnitCount,
		Expected:     info.ExpectedUnitCount,
		Action:       action,
	})
}

func caseFullError(master *entity.MasterCode) *AppError {
	return NewConflictError(CodeCaseFull, "master code %s is already full (%d/%d)",
		master.MasterCode, master.ActualUnitCount, master.ExpectedUnitCount).
		WithDetails(masterInfo(master))
}

// majorityVariant 出现次数最多的规格，并列时取最先出现的
func majorityVariant(units []*entity.UnitCode) string {
	counts := make(map[string]int)
	best, bestCount := "", 0
	for _, unit := range units {
		counts[unit.VariantID]++
	}
	for _, unit := range units {
		if c := counts[unit.VariantID]; c > bestCount {
			best, bestCount = unit.VariantID, c
		}
	}
	return best
}

// dedupeCodes 规范化并去重，保持调用方顺序
func dedupeCodes(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, c := range raw {
		code := repository.NormalizeCode(c)
		if code == "" {
			continue
		}
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	return out
}

func processingNote(result *LinkResult, summary *FilteringSummary) string {
	var parts []string
	if result.LinkedCount > 0 || result.Success {
		parts = append(parts, fmt.Sprintf("linked %d of %d codes", result.LinkedCount, summary.TotalRequested))
	} else {
		parts = append(parts, fmt.Sprintf("none of %d codes could be linked", summary.TotalRequested))
	}
	add := func(n int, what string) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, what))
		}
	}
	add(summary.NotFound, "not found")
	add(summary.AlreadyLinked, "already linked")
	add(summary.InvalidStatus, "not linkable (already received or shipped)")
	add(summary.SkippedVariant, "skipped (different variant)")
	add(summary.WrongBatch, "wrong batch")
	if summary.ExpectedSequence != nil {
		add(summary.WrongSequence, fmt.Sprintf("outside sequence %d-%d", summary.ExpectedSequence.Min, summary.ExpectedSequence.Max))
	} else {
		add(summary.WrongSequence, "wrong sequence")
	}
	add(summary.Unused, "unused (case capacity reached)")
	return strings.Join(parts, "; ")
}

// MasterLookup 箱码查询结果
type MasterLookup struct {
	MasterCodeInfo *MasterCodeInfo `json:"master_code_info"`
	OrderInfo      *OrderInfo      `json:"order_info"`
	LinkedCodes    []string        `json:"linked_codes"`
}

// LookupMasterCode 按箱码（含链接/后缀形式）查询箱码及已装单品码
func (s *CaseLinkService) LookupMasterCode(ctx context.Context, code string) (*MasterLookup, error) {
	master, err := s.resolveMaster(ctx, code, "")
	if err != nil {
		return nil, err
	}
	order, err := loadOrder(ctx, s.repos, master.OrderID)
	if err != nil {
		return nil, NewUpstreamError("load order", err)
	}
	units, err := s.repos.Code.FindUnitCodesByMaster(ctx, master.ID)
	if err != nil {
		return nil, NewUpstreamError("fetch linked units", err)
	}
	linked := make([]string, 0, len(units))
	for _, unit := range units {
		linked = append(linked, unit.Code)
	}
	return &MasterLookup{
		MasterCodeInfo: masterInfo(master),
		OrderInfo:      orderInfo(order),
		LinkedCodes:    linked,
	}, nil
}
