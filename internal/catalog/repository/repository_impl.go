package repository

import (
	"context"
	"strings"

	catalogdomain "github.com/veltahq/velta/internal/catalog/domain"
	"gorm.io/gorm"
)

type repo struct {
	db *gorm.DB
}

func Provide(db *gorm.DB) catalogdomain.Catalog {
	return &repo{db: db}
}

func (r *repo) FindByCode(ctx context.Context, code string) (*catalogdomain.Service, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, catalogdomain.ErrUnknownService
	}

	var svc catalogdomain.Service
	err := r.db.WithContext(ctx).Raw(
		`SELECT id, code, name, price_eur, active, created_at, updated_at
		 FROM services WHERE code = ? AND active = ?`,
		code, true,
	).Scan(&svc).Error
	if err != nil {
		return nil, err
	}
	if svc.ID == 0 {
		return nil, catalogdomain.ErrUnknownService
	}
	return &svc, nil
}

func (r *repo) FindAllByCodeIn(ctx context.Context, codes []string) ([]catalogdomain.Service, error) {
	if len(codes) == 0 {
		return nil, nil
	}

	var items []catalogdomain.Service
	err := r.db.WithContext(ctx).Raw(
		`SELECT id, code, name, price_eur, active, created_at, updated_at
		 FROM services WHERE code IN ? AND active = ?`,
		codes, true,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
