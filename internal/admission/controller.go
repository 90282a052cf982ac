// Package admission реализует общий для всех пользователей шлюз к квоте
// внешнего API: скользящее окно принятых запросов.
package admission

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// epsilon добавляется к рекомендованному ожиданию, чтобы проснувшийся
// клиент гарантированно застал освободившийся слот окна.
const epsilon = 100 * time.Millisecond

// ThrottledError возвращается, когда квота исчерпана. Несёт рекомендованное
// ожидание; решение ждать или отказаться остаётся за вызывающим.
type ThrottledError struct {
	Wait time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry in %s", e.Wait)
}

// inflight описывает выполняющуюся команду. Учёт ведётся только для
// наблюдаемости и никогда не ограничивает пропуск.
type inflight struct {
	UserID  int64
	Command string
	Started time.Time
}

// Status — снимок состояния шлюза.
type Status struct {
	CurrentRate    int
	RateLimit      int
	LoadPercent    float64
	TotalProcessed int64
	ActiveCommands int
}

// Controller ограничивает суммарный темп обращений к внешнему API.
// Окно одно на процесс; объём — десятки записей, одного мьютекса достаточно.
type Controller struct {
	mu       sync.Mutex
	accepted []time.Time
	limit    int
	window   time.Duration

	total  int64
	active map[string]inflight
}

// NewController создаёт шлюз с заданной квотой: limit запросов за window.
func NewController(limit int, window time.Duration) *Controller {
	return &Controller{
		limit:  limit,
		window: window,
		active: make(map[string]inflight),
	}
}

func (c *Controller) evict(now time.Time) {
	cutoff := now.Add(-c.window)
	i := 0
	for i < len(c.accepted) && !c.accepted[i].After(cutoff) {
		i++
	}
	if i > 0 {
		c.accepted = append(c.accepted[:0], c.accepted[i:]...)
	}
}

// TryAcquire пытается занять слот окна. При успехе момент запроса
// записывается. При отказе возвращается рекомендованное ожидание, и окно
// не изменяется: отказавшийся вызывающий не оставляет следов.
func (c *Controller) TryAcquire() (allowed bool, wait time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.evict(now)

	if len(c.accepted) < c.limit {
		c.accepted = append(c.accepted, now)
		c.total++
		return true, 0
	}

	wait = c.window - now.Sub(c.accepted[0]) + epsilon
	return false, wait
}

// Acquire занимает слот окна, при необходимости дождавшись освобождения
// и перепроверив ровно один раз. Несколько одновременно проснувшихся
// ожидающих соревнуются за освободившийся слот: честность порядка не
// гарантируется. Проигравший получает ThrottledError со свежим ожиданием.
func (c *Controller) Acquire(ctx context.Context) error {
	allowed, wait := c.TryAcquire()
	if allowed {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	allowed, wait = c.TryAcquire()
	if allowed {
		return nil
	}
	return &ThrottledError{Wait: wait}
}

// StartCommand регистрирует выполняющуюся команду для наблюдаемости.
func (c *Controller) StartCommand(id string, userID int64, command string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[id] = inflight{UserID: userID, Command: command, Started: time.Now()}
}

// FinishCommand снимает команду с учёта.
func (c *Controller) FinishCommand(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, id)
}

// Status возвращает снимок состояния шлюза.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evict(time.Now())

	return Status{
		CurrentRate:    len(c.accepted),
		RateLimit:      c.limit,
		LoadPercent:    float64(len(c.accepted)) / float64(c.limit) * 100,
		TotalProcessed: c.total,
		ActiveCommands: len(c.active),
	}
}
