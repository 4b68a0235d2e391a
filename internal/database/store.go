package database

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"moff.io/moff-vault/internal/guild"
	"moff.io/moff-vault/pkg/errors"
)

type Binding struct {
	ID            int64  `gorm:"primaryKey"`
	GuildID       string `gorm:"type:varchar(50);uniqueIndex:uni_binding"`
	UserID        string `gorm:"type:varchar(50);uniqueIndex:uni_binding"`
	WalletAddress string `gorm:"type:varchar(64)"`
	VaultAddress  string `gorm:"type:varchar(64)"`
	UpdatedAt     int64  `gorm:"autoUpdateTime:milli"`
}

func (Binding) TableName() string {
	return "guild_bindings"
}

func (in Binding) toGuild() guild.UserBinding {
	return guild.UserBinding{
		UserID:        in.UserID,
		WalletAddress: in.WalletAddress,
		VaultAddress:  in.VaultAddress,
	}
}

type RoleRule struct {
	ID              int64  `gorm:"primaryKey"`
	GuildID         string `gorm:"type:varchar(50);uniqueIndex:uni_rule"`
	Name            string `gorm:"type:varchar(100);uniqueIndex:uni_rule"`
	RoleID          string `gorm:"type:varchar(50)"`
	ThresholdAmount string `gorm:"type:varchar(80)"`
	Color           int    `gorm:"type:int"`
	Emoji           string `gorm:"type:varchar(64)"`
	UpdatedAt       int64  `gorm:"autoUpdateTime:milli"`
}

func (RoleRule) TableName() string {
	return "guild_role_rules"
}

func (in RoleRule) toGuild() guild.RoleRule {
	return guild.RoleRule{
		Name:            in.Name,
		RoleID:          in.RoleID,
		ThresholdAmount: in.ThresholdAmount,
		Color:           in.Color,
		Emoji:           in.Emoji,
	}
}

// GuildStore is a guild.Store backed by two SQL tables.
type GuildStore struct {
	db *gorm.DB
}

func NewGuildStore(db *gorm.DB) *GuildStore {
	return &GuildStore{db: db}
}

func (s *GuildStore) GetBinding(ctx context.Context, guildID, userID string) (*guild.UserBinding, error) {
	var entity Binding
	err := s.db.WithContext(ctx).Where("guild_id = ? and user_id = ?", guildID, userID).First(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(guild.ErrNotFound, "binding %v/%v", guildID, userID)
	}
	if err != nil {
		return nil, errors.WrapAndReport(err, "query binding")
	}
	b := entity.toGuild()
	return &b, nil
}

func (s *GuildStore) SetBinding(ctx context.Context, guildID string, b guild.UserBinding) error {
	entity := Binding{
		GuildID:       guildID,
		UserID:        b.UserID,
		WalletAddress: b.WalletAddress,
		VaultAddress:  b.VaultAddress,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "guild_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"wallet_address", "vault_address", "updated_at"}),
	}).Create(&entity).Error
	return errors.WrapAndReport(err, "save binding")
}

func (s *GuildStore) DeleteBinding(ctx context.Context, guildID, userID string) error {
	err := s.db.WithContext(ctx).Where("guild_id = ? and user_id = ?", guildID, userID).
		Delete(&Binding{}).Error
	return errors.WrapAndReport(err, "delete binding")
}

func (s *GuildStore) Bindings(ctx context.Context, guildID string) ([]guild.UserBinding, error) {
	var entities []*Binding
	err := s.db.WithContext(ctx).Where("guild_id = ?", guildID).Order("user_id").Find(&entities).Error
	if err != nil {
		return nil, errors.WrapAndReport(err, "query bindings")
	}
	list := make([]guild.UserBinding, 0, len(entities))
	for _, entity := range entities {
		list = append(list, entity.toGuild())
	}
	return list, nil
}

func (s *GuildStore) GetRule(ctx context.Context, guildID, name string) (*guild.RoleRule, error) {
	var entity RoleRule
	err := s.db.WithContext(ctx).Where("guild_id = ? and name = ?", guildID, name).First(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(guild.ErrNotFound, "rule %v/%v", guildID, name)
	}
	if err != nil {
		return nil, errors.WrapAndReport(err, "query rule")
	}
	r := entity.toGuild()
	return &r, nil
}

func (s *GuildStore) SetRule(ctx context.Context, guildID string, r guild.RoleRule) error {
	entity := RoleRule{
		GuildID:         guildID,
		Name:            r.Name,
		RoleID:          r.RoleID,
		ThresholdAmount: r.ThresholdAmount,
		Color:           r.Color,
		Emoji:           r.Emoji,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "guild_id"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"role_id", "threshold_amount", "color", "emoji", "updated_at",
		}),
	}).Create(&entity).Error
	return errors.WrapAndReport(err, "save rule")
}

func (s *GuildStore) DeleteRule(ctx context.Context, guildID, name string) error {
	err := s.db.WithContext(ctx).Where("guild_id = ? and name = ?", guildID, name).
		Delete(&RoleRule{}).Error
	return errors.WrapAndReport(err, "delete rule")
}

func (s *GuildStore) Rules(ctx context.Context, guildID string) ([]guild.RoleRule, error) {
	var entities []*RoleRule
	err := s.db.WithContext(ctx).Where("guild_id = ?", guildID).Order("name").Find(&entities).Error
	if err != nil {
		return nil, errors.WrapAndReport(err, "query rules")
	}
	list := make([]guild.RoleRule, 0, len(entities))
	for _, entity := range entities {
		list = append(list, entity.toGuild())
	}
	return list, nil
}

func (s *GuildStore) Clear(ctx context.Context, guildID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("guild_id = ?", guildID).Delete(&Binding{}).Error; err != nil {
			return errors.WrapAndReport(err, "clear bindings")
		}
		if err := tx.Where("guild_id = ?", guildID).Delete(&RoleRule{}).Error; err != nil {
			return errors.WrapAndReport(err, "clear rules")
		}
		return nil
	})
}
