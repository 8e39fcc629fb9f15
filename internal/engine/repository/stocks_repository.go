package repository

import (
	"context"

	"gpw-signal-engine/internal/entity"

	"gorm.io/gorm"
)

// StocksRepository reads the instrument universe. The engine never writes
// stocks; admin import owns them.
type StocksRepository interface {
	GetStocks(ctx context.Context) ([]entity.Stock, error)
	GetMonitoredStocks(ctx context.Context) ([]entity.Stock, error)
	FindBySymbol(ctx context.Context, symbol string) (*entity.Stock, error)
}

type stocksRepository struct {
	db *gorm.DB
}

func NewStocksRepository(db *gorm.DB) StocksRepository {
	return &stocksRepository{db: db}
}

func (s *stocksRepository) GetStocks(ctx context.Context) ([]entity.Stock, error) {
	var stocks []entity.Stock
	if err := s.db.WithContext(ctx).Find(&stocks).Error; err != nil {
		return nil, err
	}
	return stocks, nil
}

func (s *stocksRepository) GetMonitoredStocks(ctx context.Context) ([]entity.Stock, error) {
	var stocks []entity.Stock
	if err := s.db.WithContext(ctx).Where("is_monitored = ?", true).Find(&stocks).Error; err != nil {
		return nil, err
	}
	return stocks, nil
}

func (s *stocksRepository) FindBySymbol(ctx context.Context, symbol string) (*entity.Stock, error) {
	var stock entity.Stock
	if err := s.db.WithContext(ctx).Where("symbol = ?", symbol).First(&stock).Error; err != nil {
		return nil, err
	}
	return &stock, nil
}
