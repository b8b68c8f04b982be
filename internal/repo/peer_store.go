package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"wgmon/internal/models"
)

var ErrNotFound = errors.New("record not found")

// PeerStore - пиры в БД вместе с allowed IP и правилами.
type PeerStore struct{ db *gorm.DB }

func NewPeerStore(db *gorm.DB) *PeerStore { return &PeerStore{db: db} }

func byPosition(db *gorm.DB) *gorm.DB { return db.Order("position asc, id asc") }

func (s *PeerStore) List(ctx context.Context) ([]models.Peer, error) {
	var peers []models.Peer
	if err := s.db.WithContext(ctx).
		Preload("AllowedIPs", byPosition).
		Preload("FirewallRules", byPosition).
		Order("id asc").
		Find(&peers).Error; err != nil {
		return nil, err
	}
	return peers, nil
}

func (s *PeerStore) Get(ctx context.Context, id uint) (*models.Peer, error) {
	var p models.Peer
	err := s.db.WithContext(ctx).
		Preload("AllowedIPs", byPosition).
		Preload("FirewallRules", byPosition).
		First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &p, err
}

// Create вставляет пира и дочерние записи; p.ID заполняется из БД.
func (s *PeerStore) Create(ctx context.Context, p *models.Peer) error {
	normalizeChildren(p)
	return s.db.WithContext(ctx).Create(p).Error
}

// Save перезаписывает пира и целиком заменяет дочерние записи в одной транзакции.
func (s *PeerStore) Save(ctx context.Context, p *models.Peer) error {
	normalizeChildren(p)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Omit(clause.Associations).Where("id = ?", p.ID).Select("*").Updates(p)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Where("peer_id = ?", p.ID).Delete(&models.AllowedIP{}).Error; err != nil {
			return err
		}
		if err := tx.Where("peer_id = ?", p.ID).Delete(&models.FirewallRule{}).Error; err != nil {
			return err
		}
		if len(p.AllowedIPs) > 0 {
			if err := tx.Create(&p.AllowedIPs).Error; err != nil {
				return err
			}
		}
		if len(p.FirewallRules) > 0 {
			if err := tx.Create(&p.FirewallRules).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PeerStore) Delete(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("peer_id = ?", id).Delete(&models.AllowedIP{}).Error; err != nil {
			return err
		}
		if err := tx.Where("peer_id = ?", id).Delete(&models.FirewallRule{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&models.Peer{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// normalizeChildren проставляет порядок и сбрасывает ключи, чтобы дети вставлялись заново.
func normalizeChildren(p *models.Peer) {
	for i := range p.AllowedIPs {
		p.AllowedIPs[i].ID = 0
		p.AllowedIPs[i].PeerID = p.ID
		p.AllowedIPs[i].Position = i
	}
	for i := range p.FirewallRules {
		p.FirewallRules[i].ID = 0
		p.FirewallRules[i].PeerID = p.ID
		p.FirewallRules[i].Position = i
	}
}
