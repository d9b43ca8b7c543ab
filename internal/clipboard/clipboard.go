// Package clipboard копирует текст в системный буфер обмена через терминал
// escape-последовательностью OSC 52.
package clipboard

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/aymanbagabas/go-osc52/v2"
)

const (
	ModeAuto   = "auto"
	ModeTTY    = "tty"
	ModeMemory = "memory"
)

// Writer кладёт текст в буфер обмена.
type Writer interface {
	WriteText(text string) error
}

// openTTY подменяется в тестах.
var openTTY = func() (io.WriteCloser, error) {
	return os.OpenFile("/dev/tty", os.O_WRONLY, 0)
}

// New выбирает реализацию по режиму. В режиме auto TTY используется только
// при доступном управляющем терминале, иначе текст остаётся в Memory.
func New(mode string, tmux bool) (Writer, error) {
	switch mode {
	case ModeTTY:
		return TTY{Tmux: tmux}, nil
	case ModeMemory:
		return &Memory{}, nil
	case ModeAuto, "":
		if HasTTY() {
			return TTY{Tmux: tmux}, nil
		}
		return &Memory{}, nil
	default:
		return nil, fmt.Errorf("unknown clipboard mode %q", mode)
	}
}

// HasTTY сообщает, открывается ли /dev/tty на запись.
func HasTTY() bool {
	tty, err := openTTY()
	if err != nil {
		return false
	}
	tty.Close()
	return true
}

// OSC52 пишет последовательность в Out. С Tmux последовательность
// оборачивается в DCS passthrough tmux.
type OSC52 struct {
	Out  io.Writer
	Tmux bool
}

func (c OSC52) WriteText(text string) error {
	seq := osc52.New(text)
	if c.Tmux {
		seq = seq.Tmux()
	}
	if _, err := seq.WriteTo(c.Out); err != nil {
		return fmt.Errorf("write osc52 sequence: %w", err)
	}
	return nil
}

// TTY открывает /dev/tty на каждую запись, чтобы последовательность дошла до
// терминала даже при перенаправленном stdout. Без tty пишет в stderr.
type TTY struct {
	Tmux bool
}

func (c TTY) WriteText(text string) error {
	tty, err := openTTY()
	if err != nil {
		return OSC52{Out: os.Stderr, Tmux: c.Tmux}.WriteText(text)
	}
	defer tty.Close()
	return OSC52{Out: tty, Tmux: c.Tmux}.WriteText(text)
}

// Memory хранит последний скопированный текст. Нужен, когда сервис работает
// без терминала и попап забирает результат по HTTP.
type Memory struct {
	mu   sync.Mutex
	text string
}

func (m *Memory) WriteText(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.text = text
	return nil
}

func (m *Memory) Text() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.text
}
