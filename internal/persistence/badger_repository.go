package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"spot-grid-bot/internal/models"

	"github.com/dgraph-io/badger/v3"
)

var botKeyPrefix = []byte("bot/")

func botKey(id string) []byte {
	return append(append([]byte(nil), botKeyPrefix...), id...)
}

// badgerRepository is the BadgerDB implementation of the BotRepository.
// Every bot is one JSON value under bot/<id>, so a Save is a single atomic write.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository creates and returns a new repository instance connected to a BadgerDB database.
// An empty dbPath opens an in-memory database.
func NewBadgerRepository(dbPath string) (BotRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	if dbPath == "" {
		opts = opts.WithInMemory(true)
	}
	// For this use case, we can disable Badger's own logging to keep our app's logs clean.
	// Errors will still be returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger at %q: %w", ErrPersistence, dbPath, err)
	}
	return &badgerRepository{db: db}, nil
}

// Save marshals the bot into JSON and writes it in one transaction.
func (r *badgerRepository) Save(ctx context.Context, bot *models.Bot) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	data, err := encodeBot(bot)
	if err != nil {
		return err
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(botKey(bot.ID), data)
	})
	if err != nil {
		return fmt.Errorf("%w: save bot %s: %w", ErrPersistence, bot.ID, err)
	}
	return nil
}

// Get loads a single bot.
func (r *badgerRepository) Get(ctx context.Context, id string) (*models.Bot, error) {
	var bot *models.Bot
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(botKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			b, err := decodeBot(val)
			bot = b
			return err
		})
	})

	// After the transaction, check for the specific "key not found" error.
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrBotNotFound)
	}
	if err != nil {
		if errors.Is(err, ErrPersistence) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: get bot %s: %w", ErrPersistence, id, err)
	}
	return bot, nil
}

// List returns every stored bot ordered by creation time.
func (r *badgerRepository) List(ctx context.Context) ([]*models.Bot, error) {
	return r.scan(ctx, func(*models.Bot) bool { return true })
}

// LoadActiveBots returns the RUNNING bots ordered by creation time.
func (r *badgerRepository) LoadActiveBots(ctx context.Context) ([]*models.Bot, error) {
	return r.scan(ctx, func(b *models.Bot) bool { return b.Status == models.StatusRunning })
}

func (r *badgerRepository) scan(ctx context.Context, keep func(*models.Bot) bool) ([]*models.Bot, error) {
	var bots []*models.Bot
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(botKeyPrefix); it.ValidForPrefix(botKeyPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				b, err := decodeBot(val)
				if err != nil {
					return err
				}
				if keep(b) {
					bots = append(bots, b)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrPersistence) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: scan bots: %w", ErrPersistence, err)
	}
	sortBots(bots)
	return bots, nil
}

// Delete removes a bot record.
func (r *badgerRepository) Delete(ctx context.Context, id string) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(botKey(id)); err != nil {
			return err
		}
		return txn.Delete(botKey(id))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%s: %w", id, ErrBotNotFound)
	}
	if err != nil {
		return fmt.Errorf("%w: delete bot %s: %w", ErrPersistence, id, err)
	}
	return nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}

func sortBots(bots []*models.Bot) {
	sort.SliceStable(bots, func(i, j int) bool {
		if bots[i].CreatedAt.Equal(bots[j].CreatedAt) {
			return bots[i].ID < bots[j].ID
		}
		return bots[i].CreatedAt.Before(bots[j].CreatedAt)
	})
}
