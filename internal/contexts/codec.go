package contexts

import (
	"encoding/json"
	"fmt"

	"textpilot/internal/llm"

	"github.com/google/uuid"
)

// PersistenceError описывает повреждённые данные в хранилище.
// Наружу не пробрасывается: Store логирует её и продолжает с пустой коллекцией.
type PersistenceError struct {
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("decode persisted contexts %q: %v", e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// legacyNamespace задаёт пространство имён для ID записей старого формата.
var legacyNamespace = uuid.MustParse("6f1c3b52-8d0e-4c1a-9b7e-2a54d9e0c7f3")

type storedContext struct {
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name"`
	Messages []storedMessage `json:"messages"`
}

type storedMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// decodeCollection разбирает JSON-массив контекстов.
// Ошибка верхнего уровня возвращается целиком; контекст с некорректным сообщением
// пропускается и попадает в skipped.
// generated означает, что хотя бы одному контексту ID был выдан при разборе.
func decodeCollection(raw string) (list []Context, skipped []error, generated bool, err error) {
	var stored []storedContext
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, nil, false, err
	}

	list = make([]Context, 0, len(stored))
	for i, sc := range stored {
		c, err := sc.toContext(i)
		if err != nil {
			skipped = append(skipped, fmt.Errorf("context #%d %q: %w", i, sc.Name, err))
			continue
		}
		if sc.ID == "" {
			generated = true
		}
		list = append(list, c)
	}
	return list, skipped, generated, nil
}

func (sc storedContext) toContext(index int) (Context, error) {
	messages := make([]llm.Message, 0, len(sc.Messages))
	for _, sm := range sc.Messages {
		role, err := llm.ParseRole(sm.Role)
		if err != nil {
			return Context{}, err
		}
		msg, err := llm.NewMessage(role, sm.Content)
		if err != nil {
			return Context{}, err
		}
		messages = append(messages, msg)
	}

	id := sc.ID
	if id == "" {
		// Записи старого формата не имели идентификатора. ID выводится из позиции
		// и имени, чтобы повторное чтение без перезаписи давало тот же ID.
		id = legacyID(index, sc.Name)
	}
	return Context{ID: id, Name: sc.Name, Messages: messages}, nil
}

func legacyID(index int, name string) string {
	return uuid.NewSHA1(legacyNamespace, []byte(fmt.Sprintf("%d:%s", index, name))).String()
}

func encodeCollection(list []Context) (string, error) {
	stored := make([]storedContext, 0, len(list))
	for _, c := range list {
		sc := storedContext{ID: c.ID, Name: c.Name, Messages: make([]storedMessage, 0, len(c.Messages))}
		for _, m := range c.Messages {
			sc.Messages = append(sc.Messages, storedMessage{Role: string(m.Role), Content: m.Content})
		}
		stored = append(stored, sc)
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("marshal contexts: %w", err)
	}
	return string(data), nil
}
