package persistence

import (
	"context"
	"fmt"
	"sync"

	"spot-grid-bot/internal/models"
)

// memoryRepository keeps encoded bots in a map. It goes through the same
// encode/decode path as Badger, so callers never share state with the store.
type memoryRepository struct {
	mu   sync.RWMutex
	bots map[string][]byte
}

// NewMemoryRepository returns a BotRepository backed by a map, for backtests and tests.
func NewMemoryRepository() BotRepository {
	return &memoryRepository{bots: make(map[string][]byte)}
}

func (r *memoryRepository) Save(ctx context.Context, bot *models.Bot) error {
	data, err := encodeBot(bot)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.bots[bot.ID] = data
	r.mu.Unlock()
	return nil
}

func (r *memoryRepository) Get(ctx context.Context, id string) (*models.Bot, error) {
	r.mu.RLock()
	data, ok := r.bots[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrBotNotFound)
	}
	return decodeBot(data)
}

func (r *memoryRepository) List(ctx context.Context) ([]*models.Bot, error) {
	return r.filter(func(*models.Bot) bool { return true })
}

func (r *memoryRepository) LoadActiveBots(ctx context.Context) ([]*models.Bot, error) {
	return r.filter(func(b *models.Bot) bool { return b.Status == models.StatusRunning })
}

func (r *memoryRepository) filter(keep func(*models.Bot) bool) ([]*models.Bot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bots := make([]*models.Bot, 0, len(r.bots))
	for _, data := range r.bots {
		b, err := decodeBot(data)
		if err != nil {
			return nil, err
		}
		if keep(b) {
			bots = append(bots, b)
		}
	}
	sortBots(bots)
	return bots, nil
}

func (r *memoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bots[id]; !ok {
		return fmt.Errorf("%s: %w", id, ErrBotNotFound)
	}
	delete(r.bots, id)
	return nil
}

func (r *memoryRepository) Close() error { return nil }
