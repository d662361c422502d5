package apikey

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	catalogdomain "github.com/veltahq/velta/internal/catalog/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Provisioner stores one API key per (tenant, service). Only the key hash is
// persisted; issuing the plaintext to the tenant happens elsewhere.
type Provisioner struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func New(db *gorm.DB, log *zap.Logger, genID *snowflake.Node) catalogdomain.Provisioner {
	return &Provisioner{
		db:    db,
		log:   log.Named("apikey.provisioner"),
		genID: genID,
	}
}

func (p *Provisioner) EnsureKeys(ctx context.Context, tenantID snowflake.ID, codes []string) error {
	now := time.Now().UTC()
	for _, code := range codes {
		code = strings.TrimSpace(code)
		if code == "" {
			continue
		}

		var count int64
		if err := p.db.WithContext(ctx).Raw(
			`SELECT COUNT(1) FROM api_keys WHERE tenant_id = ? AND service_code = ?`,
			tenantID, code,
		).Scan(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue
		}

		raw := uuid.NewString()
		sum := sha256.Sum256([]byte(raw))
		if err := p.db.WithContext(ctx).Exec(
			`INSERT INTO api_keys (id, tenant_id, service_code, key_hash, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			p.genID.Generate(), tenantID, code, hex.EncodeToString(sum[:]), now,
		).Error; err != nil {
			return err
		}

		p.log.Info("api key provisioned",
			zap.String("tenant_id", tenantID.String()),
			zap.String("service_code", code))
	}
	return nil
}

type Key struct {
	ID          snowflake.ID `gorm:"column:id;primaryKey"`
	TenantID    snowflake.ID `gorm:"column:tenant_id;index"`
	ServiceCode string       `gorm:"column:service_code"`
	KeyHash     string       `gorm:"column:key_hash"`
	CreatedAt   time.Time    `gorm:"column:created_at"`
}

func (Key) TableName() string { return "api_keys" }
