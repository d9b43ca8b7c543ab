// Package selection получает текст, выделенный пользователем в активной вкладке браузера.
package selection

import (
	"context"
	"errors"
)

// ErrUnavailable: выделение получить не удалось (расширение не подключено,
// нет активной вкладки или ответ не пришёл вовремя).
var ErrUnavailable = errors.New("selection unavailable")

// Selection это ответ content script на getSelectedText.
type Selection struct {
	Text  string `json:"text"`
	Title string `json:"title"`
}

// Source возвращает текущее выделение. Реализация не должна блокироваться
// бесконечно: вместо этого она возвращает ошибку, оборачивающую ErrUnavailable.
type Source interface {
	Selected(ctx context.Context) (Selection, error)
}

// Static всегда возвращает одно и то же выделение. Нужен CLI, где текст и
// заголовок приходят из флагов или stdin.
type Static Selection

func (s Static) Selected(ctx context.Context) (Selection, error) {
	if err := ctx.Err(); err != nil {
		return Selection{}, err
	}
	return Selection(s), nil
}

// Func превращает функцию в Source.
type Func func(ctx context.Context) (Selection, error)

func (f Func) Selected(ctx context.Context) (Selection, error) {
	return f(ctx)
}
