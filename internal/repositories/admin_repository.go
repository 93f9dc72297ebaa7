package repository

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	model "taskblitz.com/taskblitz/internal/models"
)

// AdminRepository answers "is this wallet an admin" from the admin_users
// table plus a static allow-list from configuration.
type AdminRepository struct {
	db     *gorm.DB
	static map[string]struct{}
}

func NewAdminRepository(db *gorm.DB, staticAdmins []string) *AdminRepository {
	static := make(map[string]struct{}, len(staticAdmins))
	for _, w := range staticAdmins {
		if w = strings.TrimSpace(w); w != "" {
			static[w] = struct{}{}
		}
	}
	return &AdminRepository{db: db, static: static}
}

func (r *AdminRepository) withDB(db *gorm.DB) *AdminRepository {
	return &AdminRepository{db: db, static: r.static}
}

func (r *AdminRepository) IsAdmin(ctx context.Context, wallet string) (bool, error) {
	if wallet == "" {
		return false, nil
	}
	if _, ok := r.static[wallet]; ok {
		return true, nil
	}

	var count int64
	err := r.db.WithContext(ctx).Model(&model.AdminUser{}).
		Where("wallet_address = ?", wallet).
		Count(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "check admin")
	}
	return count > 0, nil
}

func (r *AdminRepository) Add(ctx context.Context, wallet, role string) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.AdminUser{WalletAddress: wallet, Role: role}).Error
}

func (r *AdminRepository) LogActivity(ctx context.Context, admin, action, targetType, targetID string, details map[string]any) error {
	var raw datatypes.JSON
	if len(details) > 0 {
		b, err := json.Marshal(details)
		if err != nil {
			return errors.Wrap(err, "encode activity details")
		}
		raw = datatypes.JSON(b)
	}

	return r.db.WithContext(ctx).Create(&model.AdminActivity{
		AdminWallet: admin,
		Action:      action,
		TargetType:  targetType,
		TargetID:    targetID,
		Details:     raw,
		CreatedAt:   time.Now().UTC(),
	}).Error
}

func (r *AdminRepository) ListActivity(ctx context.Context, targetID string) ([]model.AdminActivity, error) {
	var out []model.AdminActivity
	err := r.db.WithContext(ctx).
		Where("target_id = ?", targetID).
		Order("created_at asc").
		Find(&out).Error
	return out, err
}
