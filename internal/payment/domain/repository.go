package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, pr *PaymentRequest) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*PaymentRequest, error)
	FindPendingByTokenHash(ctx context.Context, db *gorm.DB, tokenHash string) (*PaymentRequest, error)
	FindPendingBySubscriptionID(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*PaymentRequest, error)
	FindByGatewayRef(ctx context.Context, db *gorm.DB, gatewayRef string) (*PaymentRequest, error)
	SetGatewayRef(ctx context.Context, db *gorm.DB, id snowflake.ID, gatewayRef string) error
	// MarkCompleted and MarkExpired flip a request out of pending exactly
	// once; both report whether this call won the transition.
	MarkCompleted(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	MarkExpired(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error)

	RecordEvent(ctx context.Context, db *gorm.DB, event *GatewayEvent) (bool, error)
}
