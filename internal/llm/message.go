package llm

import "fmt"

// Role определяет автора сообщения в диалоге.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole проверяет, что строка является одной из известных ролей.
func ParseRole(value string) (Role, error) {
	switch Role(value) {
	case RoleSystem, RoleUser, RoleAssistant:
		return Role(value), nil
	default:
		return "", fmt.Errorf("unknown message role %q", value)
	}
}

// Message представляет одно сообщение в диалоге.
// Порядок сообщений значим и сохраняется при записи и повторной отправке.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// NewMessage создаёт сообщение, проверяя роль.
func NewMessage(role Role, content string) (Message, error) {
	if _, err := ParseRole(string(role)); err != nil {
		return Message{}, err
	}
	return Message{Role: role, Content: content}, nil
}

func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// CloneMessages возвращает копию среза, не разделяющую backing array с исходным.
func CloneMessages(messages []Message) []Message {
	out := make([]Message, len(messages))
	copy(out, messages)
	return out
}
