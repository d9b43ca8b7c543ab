package contexts

import (
	"textpilot/internal/llm"
)

// Context именованная цепочка сообщений, которая подмешивается в следующие запросы.
// ID генерируется при создании и служит ключом; имя выбирает пользователь и оно не уникально.
type Context struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Messages []llm.Message `json:"messages"`
}

// Append возвращает новый Context с добавленным сообщением.
// Исходное значение не изменяется; сохраняет вызывающий через Store.Commit.
func Append(c Context, msg llm.Message) Context {
	messages := make([]llm.Message, 0, len(c.Messages)+1)
	messages = append(messages, c.Messages...)
	messages = append(messages, msg)
	c.Messages = messages
	return c
}

// ReplaceMessages возвращает новый Context с полностью заменённой историей.
func ReplaceMessages(c Context, messages []llm.Message) Context {
	c.Messages = llm.CloneMessages(messages)
	return c
}

func cloneContexts(list []Context) []Context {
	out := make([]Context, len(list))
	for i, c := range list {
		out[i] = c
		out[i].Messages = llm.CloneMessages(c.Messages)
	}
	return out
}
