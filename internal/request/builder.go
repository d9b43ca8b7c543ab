// Package request собирает последовательность сообщений для completion API.
package request

import (
	"fmt"

	"textpilot/internal/contexts"
	"textpilot/internal/llm"
	"textpilot/internal/prompts"
	"textpilot/internal/selection"
)

// Build возвращает префикс, инструкцию операции и пользовательский текст.
// Префикс это история активного контекста, а если контекста нет или он пуст,
// стандартная преамбула. Результат не делит массив с active.Messages.
func Build(op prompts.Operation, userText string, active *contexts.Context) ([]llm.Message, error) {
	instruction, err := prompts.Instruction(op)
	if err != nil {
		return nil, err
	}

	var prefix []llm.Message
	if active != nil && len(active.Messages) > 0 {
		prefix = active.Messages
	} else {
		prefix = []llm.Message{llm.SystemMessage(prompts.Preamble())}
	}

	messages := make([]llm.Message, 0, len(prefix)+2)
	messages = append(messages, prefix...)
	messages = append(messages, llm.SystemMessage(instruction))
	messages = append(messages, llm.UserMessage(userText))
	return messages, nil
}

// UserText форматирует выделение для op. Комментарий получает заголовок
// страницы, чтобы модель подобрала тон; остальные операции шлют текст как есть.
func UserText(op prompts.Operation, sel selection.Selection) string {
	if op == prompts.OperationComment {
		return fmt.Sprintf("Website: %s\nContent: %s", sel.Title, sel.Text)
	}
	return sel.Text
}

// Transcript это запрос и следом ответ ассистента.
func Transcript(requestMessages []llm.Message, reply string) []llm.Message {
	out := make([]llm.Message, 0, len(requestMessages)+1)
	out = append(out, requestMessages...)
	return append(out, llm.AssistantMessage(reply))
}
