package prompts

import (
	"errors"
	"fmt"
	"sort"
)

// Operation выбирает системную инструкцию, которая уходит вместе с текстом пользователя.
type Operation string

const (
	OperationComment  Operation = "comment"
	OperationRephrase Operation = "rephrase"
)

// ErrUnknownOperation возвращается для операций, которых нет в каталоге.
var ErrUnknownOperation = errors.New("unknown operation")

var catalog = map[Operation]string{
	OperationComment:  commentInstruction,
	OperationRephrase: rephraseInstruction,
}

// Instruction возвращает системную инструкцию операции.
func Instruction(op Operation) (string, error) {
	text, ok := catalog[op]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownOperation, string(op))
	}
	return text, nil
}

// Has сообщает, зарегистрирована ли op.
func Has(op Operation) bool {
	_, ok := catalog[op]
	return ok
}

// Available возвращает отсортированный список поддерживаемых операций.
func Available() []Operation {
	ops := make([]Operation, 0, len(catalog))
	for op := range catalog {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}

// Preamble это системное сообщение, с которого начинается запрос без истории контекста.
func Preamble() string {
	return preamble
}

const preamble = `You are helping the user write text for the web page they are reading. ` +
	`Messages before the last system message are context from earlier exchanges: use them to keep tone and facts consistent. ` +
	`The last system message before the user's message defines the actual instruction for this reply.`

const commentInstruction = `You're writing a comment for something on the internet. ` +
	`The input you get from the user is the text you're commenting on and the website you're in. It'll look like: ` +
	"\nWebsite: NAME\nContent: TEXT. " +
	`Whatever you write goes directly to the comment input, so put there only the text you want to comment. ` +
	`Choose your tone according to the website and the text. Make the comment short and professional. ` +
	`Add something to the discussion in the post and don't only repeat about what the post said.`

const rephraseInstruction = `You need to rephrase a sentence. ` +
	`The input you get from the user is the sentence you need to rephrase. ` +
	`Whatever you write goes directly to the input, so put there only the rephrased text. ` +
	`If the text is good enough, just send back the original text. Use the same tone as the text's one.`
