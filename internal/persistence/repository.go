package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"spot-grid-bot/internal/models"
)

var (
	// ErrBotNotFound is returned when no bot is stored under the requested id.
	ErrBotNotFound = errors.New("bot not found")
	// ErrPersistence wraps every other storage failure.
	ErrPersistence = errors.New("persistence failure")
)

// BotRepository defines the interface for bot persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application.
type BotRepository interface {
	// LoadActiveBots returns every bot with status RUNNING.
	LoadActiveBots(ctx context.Context) ([]*models.Bot, error)

	// Save atomically writes the whole aggregate: status, parameters, ladder and runtime state.
	Save(ctx context.Context, bot *models.Bot) error

	// Get loads one bot. It returns ErrBotNotFound if the id is unknown.
	Get(ctx context.Context, id string) (*models.Bot, error)

	// List returns all bots regardless of status, oldest first.
	List(ctx context.Context) ([]*models.Bot, error)

	// Delete removes a bot. Deleting an unknown id returns ErrBotNotFound.
	Delete(ctx context.Context, id string) error

	// Close gracefully closes the connection to the database.
	Close() error
}

// encodeBot serialises a bot with the current schema version.
func encodeBot(bot *models.Bot) ([]byte, error) {
	if bot == nil || bot.ID == "" {
		return nil, fmt.Errorf("%w: bot without id", ErrPersistence)
	}
	rec := *bot
	if rec.SchemaVersion == 0 {
		rec.SchemaVersion = models.SchemaVersion
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("%w: encode bot %s: %w", ErrPersistence, bot.ID, err)
	}
	return data, nil
}

// decodeBot refuses records written with an unknown schema version.
func decodeBot(data []byte) (*models.Bot, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: bot value is empty in database", ErrPersistence)
	}
	var bot models.Bot
	if err := json.Unmarshal(data, &bot); err != nil {
		return nil, fmt.Errorf("%w: decode bot: %w", ErrPersistence, err)
	}
	if bot.SchemaVersion != models.SchemaVersion {
		return nil, fmt.Errorf("%w: bot %s has unsupported schema version %d", ErrPersistence, bot.ID, bot.SchemaVersion)
	}
	if bot.Runtime == nil && bot.Ladder != nil {
		bot.Runtime = models.NewRuntimeState(bot.Ladder.Names())
	}
	return &bot, nil
}
