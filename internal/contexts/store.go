package contexts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"textpilot/internal/kv"
	"textpilot/internal/llm"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("context not found")
	ErrEmptyName = errors.New("context name is empty")
)

// DefaultKey ключ, под которым хранится вся коллекция контекстов.
const DefaultKey = "contexts"

// Store хранит коллекцию контекстов одним JSON-массивом под одним ключом kv.Store.
// Любое изменение читает всю коллекцию, меняет её и перезаписывает целиком под мьютексом.
type Store struct {
	mu     sync.Mutex
	kv     kv.Store
	key    string
	logger *slog.Logger
}

func NewStore(store kv.Store, key string, logger *slog.Logger) *Store {
	if key == "" {
		key = DefaultKey
	}
	return &Store{
		kv:     store,
		key:    key,
		logger: logger,
	}
}

// List возвращает все сохранённые контексты в порядке создания.
// Повреждённые данные не считаются ошибкой: возвращается пустой список.
func (s *Store) List(ctx context.Context) ([]Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	return cloneContexts(list), nil
}

// Create создаёт пустой контекст и сохраняет коллекцию.
// Совпадение имён не проверяется: контексты различаются по ID.
func (s *Store) Create(ctx context.Context, name string) (Context, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Context{}, ErrEmptyName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.loadLocked(ctx)
	if err != nil {
		return Context{}, err
	}

	created := Context{ID: uuid.NewString(), Name: name, Messages: []llm.Message{}}
	list = append(list, created)
	if err := s.saveLocked(ctx, list); err != nil {
		return Context{}, err
	}
	return created, nil
}

// Select ищет контекст по точному совпадению имени; при дублях побеждает первый.
func (s *Store) Select(ctx context.Context, name string) (Context, bool, error) {
	list, err := s.List(ctx)
	if err != nil {
		return Context{}, false, err
	}
	for _, c := range list {
		if c.Name == name {
			return c, true, nil
		}
	}
	return Context{}, false, nil
}

// Get ищет контекст по ID.
func (s *Store) Get(ctx context.Context, id string) (Context, bool, error) {
	list, err := s.List(ctx)
	if err != nil {
		return Context{}, false, err
	}
	for _, c := range list {
		if c.ID == id {
			return c, true, nil
		}
	}
	return Context{}, false, nil
}

// Commit записывает c поверх контекста с тем же ID.
// Если контекст исчез (например, после ClearAll), возвращает ErrNotFound.
func (s *Store) Commit(ctx context.Context, c Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.loadLocked(ctx)
	if err != nil {
		return err
	}

	idx := -1
	for i := range list {
		if list[i].ID == c.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, c.ID)
	}

	list[idx] = ReplaceMessages(c, c.Messages)
	return s.saveLocked(ctx, list)
}

// ClearAll очищает всё хранилище, а не только ключ с контекстами.
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Clear(ctx); err != nil {
		return fmt.Errorf("clear store: %w", err)
	}
	return nil
}

func (s *Store) loadLocked(ctx context.Context) ([]Context, error) {
	raw, ok, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("read contexts: %w", err)
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return []Context{}, nil
	}

	list, skipped, generated, err := decodeCollection(raw)
	if err != nil {
		s.warn("persisted contexts are malformed, starting empty", &PersistenceError{Key: s.key, Err: err})
		return []Context{}, nil
	}
	for _, skipErr := range skipped {
		s.warn("skipping malformed context", &PersistenceError{Key: s.key, Err: skipErr})
	}

	// Перезаписываем, если при разборе пришлось выдать ID или выбросить записи,
	// чтобы повторный List возвращал то же самое.
	if len(skipped) > 0 || generated {
		if err := s.saveLocked(ctx, list); err != nil {
			s.warn("failed to rewrite normalized contexts", err)
		}
	}
	return list, nil
}

func (s *Store) saveLocked(ctx context.Context, list []Context) error {
	payload, err := encodeCollection(list)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, s.key, payload); err != nil {
		return fmt.Errorf("write contexts: %w", err)
	}
	return nil
}

func (s *Store) warn(msg string, err error) {
	if s.logger == nil {
		return
	}
	s.logger.Warn(msg, slog.String("key", s.key), slog.String("error", err.Error()))
}
