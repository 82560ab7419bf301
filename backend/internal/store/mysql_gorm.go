package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/datatypes"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// mysql 唯一键冲突
const errDuplicateEntry = 1062

type documentRow struct {
	DocumentID string `gorm:"primaryKey;type:varchar(128)"`
	Content    string `gorm:"type:longtext"`
	Version    uint64
	LockedBy   string `gorm:"type:varchar(128)"`
	LockedAt   *time.Time
	UpdatedAt  time.Time
}

func (documentRow) TableName() string { return "collab_documents" }

type operationRow struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	DocumentID  string `gorm:"type:varchar(128);uniqueIndex:uk_doc_version"`
	Version     uint64 `gorm:"uniqueIndex:uk_doc_version"`
	OperationID string `gorm:"type:varchar(128);index"`
	UserID      string `gorm:"type:varchar(128)"`
	UserName    string `gorm:"type:varchar(255)"`
	BaseVersion uint64
	Ops         datatypes.JSON
	AppliedAt   time.Time
}

func (operationRow) TableName() string { return "collab_operations" }

func InitMySQL(dsn string) (*gorm.DB, error) {
	return gorm.Open(gormmysql.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
}

type MySQLStore struct {
	db *gorm.DB
}

func NewMySQLStore(db *gorm.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// Migrate 建表（开发环境使用；生产环境由 DBA 管理表结构）
func (s *MySQLStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&documentRow{}, &operationRow{})
}

func (s *MySQLStore) Load(ctx context.Context, documentID string) (DocumentState, error) {
	var row documentRow
	err := s.db.WithContext(ctx).Where("document_id = ?", documentID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return DocumentState{}, ErrNotFound
		}
		return DocumentState{}, err
	}
	return DocumentState{
		DocumentID: row.DocumentID,
		Content:    row.Content,
		Version:    row.Version,
		LockedBy:   row.LockedBy,
		LockedAt:   row.LockedAt,
		UpdatedAt:  row.UpdatedAt,
	}, nil
}

func (s *MySQLStore) Save(ctx context.Context, documentID string, state DocumentState) error {
	row := documentRow{
		DocumentID: documentID,
		Content:    state.Content,
		Version:    state.Version,
		LockedBy:   state.LockedBy,
		LockedAt:   state.LockedAt,
		UpdatedAt:  state.UpdatedAt,
	}
	// upsert；旧快照不能覆盖新快照。mysql 按顺序求值，version 必须最后更新
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "document_id"}},
		DoUpdates: clause.Set{
			{Column: clause.Column{Name: "content"}, Value: gorm.Expr("IF(VALUES(version) >= version, VALUES(content), content)")},
			{Column: clause.Column{Name: "updated_at"}, Value: gorm.Expr("IF(VALUES(version) >= version, VALUES(updated_at), updated_at)")},
			{Column: clause.Column{Name: "locked_by"}, Value: gorm.Expr("VALUES(locked_by)")},
			{Column: clause.Column{Name: "locked_at"}, Value: gorm.Expr("VALUES(locked_at)")},
			{Column: clause.Column{Name: "version"}, Value: gorm.Expr("GREATEST(version, VALUES(version))")},
		},
	}).Create(&row).Error
}

func (s *MySQLStore) AppendOperation(ctx context.Context, documentID string, rec OperationRecord, version uint64) error {
	ops, err := json.Marshal(rec.Ops)
	if err != nil {
		return err
	}
	row := operationRow{
		DocumentID:  documentID,
		Version:     version,
		OperationID: rec.OperationID,
		UserID:      rec.UserID,
		UserName:    rec.UserName,
		BaseVersion: rec.BaseVersion,
		Ops:         datatypes.JSON(ops),
		AppliedAt:   rec.AppliedAt,
	}
	err = s.db.WithContext(ctx).Create(&row).Error
	var mysqlErr *mysql.MySQLError
	if err == nil || !errors.As(err, &mysqlErr) || mysqlErr.Number != errDuplicateEntry {
		return err
	}
	// 版本号已被占用：只有同一个操作（上一次重试其实已写入）才算成功
	var existing []string
	err = s.db.WithContext(ctx).Model(&operationRow{}).
		Where("document_id = ? AND version = ?", documentID, version).
		Pluck("operation_id", &existing).Error
	if err != nil {
		return err
	}
	if len(existing) != 1 || existing[0] != rec.OperationID {
		return ErrVersionExists
	}
	return nil
}

func (s *MySQLStore) History(ctx context.Context, documentID string, sinceVersion uint64) ([]OperationRecord, error) {
	var rows []operationRow
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND version > ?", documentID, sinceVersion).
		Order("version ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]OperationRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// FindOperation 走 operation_id 索引
func (s *MySQLStore) FindOperation(ctx context.Context, documentID, operationID string) (OperationRecord, error) {
	var row operationRow
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND operation_id = ?", documentID, operationID).
		Order("version ASC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return OperationRecord{}, ErrOperationNotFound
		}
		return OperationRecord{}, err
	}
	return row.record()
}

func (r operationRow) record() (OperationRecord, error) {
	rec := OperationRecord{
		DocumentID:  r.DocumentID,
		OperationID: r.OperationID,
		UserID:      r.UserID,
		UserName:    r.UserName,
		BaseVersion: r.BaseVersion,
		Version:     r.Version,
		AppliedAt:   r.AppliedAt,
	}
	if len(r.Ops) > 0 {
		if err := json.Unmarshal(r.Ops, &rec.Ops); err != nil {
			return OperationRecord{}, err
		}
	}
	return rec, nil
}
