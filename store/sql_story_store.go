package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/botflow/engine"
)

// storyDefinitionRow is the gorm model for a stored story definition. The
// declarative part is serialized as JSON; handlers are re-attached from
// the registry at load time.
type storyDefinitionRow struct {
	ID        string    `gorm:"primaryKey;size:128"`
	Payload   string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"index"`
}

func (storyDefinitionRow) TableName() string { return "story_definitions" }

type storyPayload struct {
	StarterIntents []string      `json:"starter_intents,omitempty"`
	Intents        []string      `json:"intents,omitempty"`
	Steps          []stepPayload `json:"steps,omitempty"`
}

type stepPayload struct {
	Name    string   `json:"name"`
	Intents []string `json:"intents,omitempty"`
}

// SQLStoryStore is a gorm-backed StoryDefinitionRepository supporting
// sqlite, mysql and postgres. WatchChanges polls the table's version
// fingerprint, so changes made by other nodes are also observed.
type SQLStoryStore struct {
	db           *gorm.DB
	registry     *HandlerRegistry
	pollInterval time.Duration
	logger       *zap.Logger
}

// SQLStoryStoreConfig configures a SQLStoryStore.
type SQLStoryStoreConfig struct {
	// Driver selects the dialect: "sqlite" (default), "mysql" or
	// "postgres".
	Driver string
	DSN    string

	// PollInterval is the change-watch polling period; defaults to 5s.
	PollInterval time.Duration
}

// NewSQLStoryStore opens the database, migrates the schema and returns
// the repository.
func NewSQLStoryStore(cfg SQLStoryStoreConfig, registry *HandlerRegistry, logger *zap.Logger) (*SQLStoryStore, error) {
	if registry == nil {
		registry = NewHandlerRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = ":memory:"
		}
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: sqlite, mysql, postgres)", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if err := db.AutoMigrate(&storyDefinitionRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate story definition schema: %w", err)
	}

	return &SQLStoryStore{
		db:           db,
		registry:     registry,
		pollInterval: cfg.PollInterval,
		logger:       logger.With(zap.String("component", "sql_story_store")),
	}, nil
}

// FindByID implements StoryDefinitionRepository.
func (s *SQLStoryStore) FindByID(ctx context.Context, id string) (*engine.StoryDefinition, error) {
	var row storyDefinitionRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.assemble(row)
}

// FindByIntent implements StoryDefinitionRepository.
func (s *SQLStoryStore) FindByIntent(ctx context.Context, intent string) (*engine.StoryDefinition, error) {
	defs, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	for _, def := range defs {
		if def.IsStarterIntent(intent) {
			return def, nil
		}
	}
	return nil, ErrNotFound
}

// All implements StoryDefinitionRepository.
func (s *SQLStoryStore) All(ctx context.Context) ([]*engine.StoryDefinition, error) {
	var rows []storyDefinitionRow
	if err := s.db.WithContext(ctx).Order("updated_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	defs := make([]*engine.StoryDefinition, 0, len(rows))
	for _, row := range rows {
		def, err := s.assemble(row)
		if err != nil {
			s.logger.Warn("skipping corrupt story definition row",
				zap.String("id", row.ID), zap.Error(err))
			continue
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Save implements StoryDefinitionRepository.
func (s *SQLStoryStore) Save(ctx context.Context, def *engine.StoryDefinition) error {
	if def == nil || def.ID == "" {
		return ErrInvalidInput
	}
	payload := storyPayload{
		StarterIntents: def.StarterIntents,
		Intents:        def.Intents,
	}
	for _, step := range def.Steps {
		payload.Steps = append(payload.Steps, stepPayload{Name: step.Name, Intents: step.Intents})
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal story definition: %w", err)
	}
	row := storyDefinitionRow{ID: def.ID, Payload: string(data), UpdatedAt: time.Now()}
	return s.db.WithContext(ctx).Save(&row).Error
}

// Delete implements StoryDefinitionRepository.
func (s *SQLStoryStore) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&storyDefinitionRow{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// WatchChanges implements StoryDefinitionRepository by polling a
// fingerprint of the table (row count plus newest updated_at).
func (s *SQLStoryStore) WatchChanges(ctx context.Context) (<-chan struct{}, error) {
	initial, err := s.fingerprint(ctx)
	if err != nil {
		return nil, err
	}

	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		last := initial
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fp, err := s.fingerprint(ctx)
				if err != nil {
					s.logger.Warn("change poll failed", zap.Error(err))
					continue
				}
				if fp != last {
					last = fp
					select {
					case ch <- struct{}{}:
					default:
					}
				}
			}
		}
	}()
	return ch, nil
}

// Close implements StoryDefinitionRepository.
func (s *SQLStoryStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLStoryStore) assemble(row storyDefinitionRow) (*engine.StoryDefinition, error) {
	var payload storyPayload
	if err := json.Unmarshal([]byte(row.Payload), &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal story definition %s: %w", row.ID, err)
	}
	def := &engine.StoryDefinition{
		ID:             row.ID,
		StarterIntents: payload.StarterIntents,
		Intents:        payload.Intents,
		Handler:        s.registry.Resolve(row.ID),
	}
	for _, step := range payload.Steps {
		def.Steps = append(def.Steps, engine.StepDefinition{Name: step.Name, Intents: step.Intents})
	}
	return def, nil
}

type tableFingerprint struct {
	Count   int64
	Updated time.Time
}

func (s *SQLStoryStore) fingerprint(ctx context.Context) (tableFingerprint, error) {
	var fp tableFingerprint
	if err := s.db.WithContext(ctx).Model(&storyDefinitionRow{}).Count(&fp.Count).Error; err != nil {
		return fp, err
	}
	var newest *time.Time
	err := s.db.WithContext(ctx).Model(&storyDefinitionRow{}).
		Select("max(updated_at)").Scan(&newest).Error
	if err != nil {
		return fp, err
	}
	if newest != nil {
		fp.Updated = *newest
	}
	return fp, nil
}

var _ StoryDefinitionRepository = (*SQLStoryStore)(nil)
