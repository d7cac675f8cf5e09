package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, platform *Platform) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Platform, error)
	FindByCode(ctx context.Context, db *gorm.DB, code string) (*Platform, error)
	List(ctx context.Context, db *gorm.DB) ([]Platform, error)

	InsertOffer(ctx context.Context, db *gorm.DB, offer *Offer) error
	FindOfferByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Offer, error)
	FindOfferByCode(ctx context.Context, db *gorm.DB, code string) (*Offer, error)
}
