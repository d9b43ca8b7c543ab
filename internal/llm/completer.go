package llm

import "context"

// Completer отправляет последовательность сообщений модели и возвращает ответ ассистента.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}
