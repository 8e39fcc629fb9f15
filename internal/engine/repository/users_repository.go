package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gpw-signal-engine/internal/entity"
	"gpw-signal-engine/pkg/common"
	"gpw-signal-engine/pkg/logger"
	redisPkg "gpw-signal-engine/pkg/redis"
	"gpw-signal-engine/pkg/utils"

	"github.com/patrickmn/go-cache"
	"gorm.io/gorm"
)

// UsersRepository reads active users and their preferences. Preferences
// are read-mostly, so they sit behind a 5-minute in-process cache that is
// dropped when a preference-update notification arrives over Redis.
type UsersRepository interface {
	ListActiveUsers(ctx context.Context) ([]entity.User, error)
	// GetPreferences reads one user's preferences through the cache.
	// A user without a preferences row yields (nil, nil).
	GetPreferences(ctx context.Context, userID uint) (*entity.UserPreferences, error)
	// StartInvalidationListener subscribes to preference-update
	// notifications and evicts cached entries until ctx is done.
	StartInvalidationListener(ctx context.Context)
}

type usersRepository struct {
	db          *gorm.DB
	redisClient *redisPkg.Client
	prefsCache  *cache.Cache
	log         *logger.Logger
}

func NewUsersRepository(db *gorm.DB, redisClient *redisPkg.Client, log *logger.Logger) UsersRepository {
	return &usersRepository{
		db:          db,
		redisClient: redisClient,
		prefsCache:  cache.New(5*time.Minute, 10*time.Minute),
		log:         log,
	}
}

func (r *usersRepository) ListActiveUsers(ctx context.Context) ([]entity.User, error) {
	var users []entity.User
	err := r.db.WithContext(ctx).
		Preload("Preferences").
		Where("is_active = ?", true).
		Find(&users).Error
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (r *usersRepository) GetPreferences(ctx context.Context, userID uint) (*entity.UserPreferences, error) {
	key := prefsCacheKey(userID)
	if cached, ok := r.prefsCache.Get(key); ok {
		return cached.(*entity.UserPreferences), nil
	}

	var prefs entity.UserPreferences
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&prefs).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	r.prefsCache.Set(key, &prefs, cache.DefaultExpiration)
	return &prefs, nil
}

func (r *usersRepository) StartInvalidationListener(ctx context.Context) {
	if r.redisClient == nil {
		return
	}
	sub := r.redisClient.Subscribe(ctx, common.RedisChannelUserPrefsInvalidate)

	utils.GoSafe(func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				r.prefsCache.Delete("prefs:" + msg.Payload)
				r.log.Debug("Evicted cached preferences", logger.StringField("user_id", msg.Payload))
			}
		}
	})
}

func prefsCacheKey(userID uint) string {
	return fmt.Sprintf("prefs:%d", userID)
}
