// Package clock прячет таймеры контроллера попапа за интерфейсом, чтобы тесты
// двигали время детерминированно.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock та часть пакета time, которой пользуется контроллер.
type Clock interface {
	Now() time.Time
	// AfterFunc вызывает f один раз через d. Stop отменяет ещё не случившийся вызов.
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	// Stop сообщает, удалось ли отменить вызов до срабатывания.
	Stop() bool
}

// Real возвращает Clock поверх пакета time.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Fake это Clock, который двигают вручную. Колбэки AfterFunc выполняются
// синхронно внутри Advance в порядке сроков. Вызывать Advance из колбэка нельзя.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeTimer
}

func NewFake(initial time.Time) *Fake {
	return &Fake{now: initial}
}

func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{clock: c, deadline: c.now.Add(d), f: f}
	c.waiters = append(c.waiters, t)
	return t
}

// Advance сдвигает время и запускает все таймеры с наступившим сроком.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now

	var due, pending []*fakeTimer
	for _, t := range c.waiters {
		if t.stopped {
			continue
		}
		if !t.deadline.After(now) {
			due = append(due, t)
		} else {
			pending = append(pending, t)
		}
	}
	c.waiters = pending
	for _, t := range due {
		t.fired = true
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		t.f()
	}
}

// Pending возвращает число таймеров, которые ещё не сработали и не остановлены.
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.waiters {
		if !t.stopped {
			n++
		}
	}
	return n
}

type fakeTimer struct {
	clock    *Fake
	deadline time.Time
	f        func()
	stopped  bool
	fired    bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}
