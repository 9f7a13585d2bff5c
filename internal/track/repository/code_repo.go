package repository

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/bitfantasy/nimo-track/internal/track/entity"
	"gorm.io/gorm"
)

// lookupChunkSize IN 查询单批上限
const lookupChunkSize = 500

// hashSuffix 打印时附加的消歧后缀，如 MC-B01-C003-7f3a9c
var hashSuffix = regexp.MustCompile(`^(.+)-([0-9a-fA-F]{6,16})$`)

// NormalizeCode 去除空白以及 .../track/<code> 链接形式
func NormalizeCode(raw string) string {
	code := strings.TrimSpace(raw)
	if i := strings.LastIndex(code, "/track/"); i >= 0 {
		code = code[i+len("/track/"):]
		if j := strings.IndexAny(code, "?#"); j >= 0 {
			code = code[:j]
		}
		code = strings.Trim(code, "/")
	}
	return code
}

// CodeRepository 单品码/箱码仓库
type CodeRepository struct {
	db *gorm.DB
}

// NewCodeRepository 创建码仓库
func NewCodeRepository(db *gorm.DB) *CodeRepository {
	return &CodeRepository{db: db}
}

// FindUnitCodesByCode 批量查询单品码，不存在的码不返回
func (r *CodeRepository) FindUnitCodesByCode(ctx context.Context, codes []string) ([]entity.UnitCode, error) {
	result := make([]entity.UnitCode, 0, len(codes))
	for _, part := range chunk(codes, lookupChunkSize) {
		var rows []entity.UnitCode
		if err := r.db.WithContext(ctx).Where("code IN ?", part).Find(&rows).Error; err != nil {
			return nil, err
		}
		result = append(result, rows...)
	}
	return result, nil
}

// FindUnitCodeByCode 单个查询
func (r *CodeRepository) FindUnitCodeByCode(ctx context.Context, code string) (*entity.UnitCode, error) {
	var unit entity.UnitCode
	if err := r.db.WithContext(ctx).Where("code = ?", code).First(&unit).Error; err != nil {
		return nil, translate(err)
	}
	return &unit, nil
}

// FindUnitCodesByCase 按(批次,箱号)查询非缓冲单品码
func (r *CodeRepository) FindUnitCodesByCase(ctx context.Context, batchID string, caseNumber int) ([]entity.UnitCode, error) {
	var units []entity.UnitCode
	err := r.db.WithContext(ctx).
		Where("batch_id = ? AND case_number = ? AND is_buffer = ?", batchID, caseNumber, false).
		Order("sequence_number ASC").
		Find(&units).Error
	return units, err
}

// FindUnitCodesByMaster 查询箱内单品码
func (r *CodeRepository) FindUnitCodesByMaster(ctx context.Context, masterID string) ([]entity.UnitCode, error) {
	var units []entity.UnitCode
	err := r.db.WithContext(ctx).
		Where("master_code_id = ?", masterID).
		Order("sequence_number ASC").
		Find(&units).Error
	return units, err
}

// CountLinkedToMaster 统计已装入该箱的数量
func (r *CodeRepository) CountLinkedToMaster(ctx context.Context, masterID string) (int, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&entity.UnitCode{}).
		Where("master_code_id = ?", masterID).
		Count(&n).Error
	return int(n), err
}

// FindMasterCodeByID 根据ID查询箱码
func (r *CodeRepository) FindMasterCodeByID(ctx context.Context, id string) (*entity.MasterCode, error) {
	var master entity.MasterCode
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&master).Error; err != nil {
		return nil, translate(err)
	}
	return &master, nil
}

// FindMasterCodesByIDs 批量查询箱码
func (r *CodeRepository) FindMasterCodesByIDs(ctx context.Context, ids []string) ([]entity.MasterCode, error) {
	var masters []entity.MasterCode
	if len(ids) == 0 {
		return masters, nil
	}
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("master_code ASC").Find(&masters).Error
	return masters, err
}

// FindMasterCodeByCode 查询箱码：先精确匹配，再按打印后缀模糊匹配
func (r *CodeRepository) FindMasterCodeByCode(ctx context.Context, code string) (*entity.MasterCode, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, ErrNotFound
	}

	master, err := r.findMasterExact(ctx, code)
	if !errors.Is(err, ErrNotFound) {
		return master, err
	}

	// 输入带后缀，库中是基础码
	if m := hashSuffix.FindStringSubmatch(code); m != nil {
		master, err = r.findMasterExact(ctx, m[1])
		if !errors.Is(err, ErrNotFound) {
			return master, err
		}
	}

	// 库中带后缀，输入是基础码；只接受唯一匹配
	var candidates []entity.MasterCode
	err = r.db.WithContext(ctx).
		Where("master_code LIKE ? ESCAPE '\\'", escapeLike(code)+"-%").
		Limit(2).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}
	if len(candidates) != 1 || !hashSuffix.MatchString(candidates[0].MasterCode) {
		return nil, ErrNotFound
	}
	return &candidates[0], nil
}

func (r *CodeRepository) findMasterExact(ctx context.Context, code string) (*entity.MasterCode, error) {
	var master entity.MasterCode
	if err := r.db.WithContext(ctx).Where("master_code = ?", code).First(&master).Error; err != nil {
		return nil, translate(err)
	}
	return &master, nil
}

// FindMasterCodesByCodes 按箱码批量查询
func (r *CodeRepository) FindMasterCodesByCodes(ctx context.Context, codes []string) ([]entity.MasterCode, error) {
	result := make([]entity.MasterCode, 0, len(codes))
	for _, part := range chunk(codes, lookupChunkSize) {
		var rows []entity.MasterCode
		if err := r.db.WithContext(ctx).Where("master_code IN ?", part).Order("master_code ASC").Find(&rows).Error; err != nil {
			return nil, err
		}
		result = append(result, rows...)
	}
	return result, nil
}

// FindUnitCodesBySession 查询出库会话已发出的单品码
func (r *CodeRepository) FindUnitCodesBySession(ctx context.Context, sessionID string) ([]entity.UnitCode, error) {
	var units []entity.UnitCode
	err := r.db.WithContext(ctx).
		Where("shipment_session_id = ?", sessionID).
		Order("master_code_id ASC, sequence_number ASC").
		Find(&units).Error
	return units, err
}

// ListMasterCodesByBatch 按箱号顺序列出批次箱码
func (r *CodeRepository) ListMasterCodesByBatch(ctx context.Context, batchID string) ([]entity.MasterCode, error) {
	var masters []entity.MasterCode
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("case_number ASC").
		Find(&masters).Error
	return masters, err
}

// LinkUnitCodes 将未装箱的单品码装入箱码。
// 只更新 master_code_id 为空的行，返回实际更新行数。
// scannedBy 为空时不写扫描人。
func (r *CodeRepository) LinkUnitCodes(ctx context.Context, ids []string, masterID, scannedBy string, at time.Time) (int64, error) {
	updates := map[string]interface{}{
		"master_code_id": masterID,
		"status":         entity.CodeStatusPacked,
		"updated_at":     at,
	}
	if scannedBy != "" {
		updates["last_scanned_by"] = scannedBy
		updates["last_scanned_at"] = at
	}

	var total int64
	for _, part := range chunk(ids, lookupChunkSize) {
		res := r.db.WithContext(ctx).Model(&entity.UnitCode{}).
			Where("id IN ? AND master_code_id IS NULL AND status IN ?", part, entity.LinkableCodeStatuses()).
			Updates(updates)
		if res.Error != nil {
			return total, res.Error
		}
		total += res.RowsAffected
	}
	return total, nil
}

// UpdateUnitCodes 批量更新单品码
func (r *CodeRepository) UpdateUnitCodes(ctx context.Context, ids []string, patch map[string]interface{}) (int64, error) {
	var total int64
	for _, part := range chunk(ids, lookupChunkSize) {
		res := r.db.WithContext(ctx).Model(&entity.UnitCode{}).
			Where("id IN ?", part).
			Updates(patch)
		if res.Error != nil {
			return total, res.Error
		}
		total += res.RowsAffected
	}
	return total, nil
}

// UpdateMasterCode 更新箱码字段
func (r *CodeRepository) UpdateMasterCode(ctx context.Context, id string, patch map[string]interface{}) error {
	if _, ok := patch["updated_at"]; !ok {
		patch["updated_at"] = time.Now()
	}
	res := r.db.WithContext(ctx).Model(&entity.MasterCode{}).
		Where("id = ?", id).
		Updates(patch)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementActualUnitCount 原子增加实际数量，超出应装数量时不更新并返回false
func (r *CodeRepository) IncrementActualUnitCount(ctx context.Context, id string, n int) (bool, error) {
	if n <= 0 {
		return true, nil
	}
	res := r.db.WithContext(ctx).Model(&entity.MasterCode{}).
		Where("id = ? AND actual_unit_count + ? <= expected_unit_count", id, n).
		Updates(map[string]interface{}{
			"actual_unit_count": gorm.Expr("actual_unit_count + ?", n),
			"updated_at":        time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CreateUnitCodes 批量写入单品码
func (r *CodeRepository) CreateUnitCodes(ctx context.Context, units []*entity.UnitCode) error {
	if len(units) == 0 {
		return nil
	}
	return translate(r.db.WithContext(ctx).CreateInBatches(units, lookupChunkSize).Error)
}

// CreateMasterCode 写入箱码
func (r *CodeRepository) CreateMasterCode(ctx context.Context, master *entity.MasterCode) error {
	return translate(r.db.WithContext(ctx).Create(master).Error)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
