// Package lock сериализует переходы состояния одной транзакции.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrNotAcquired возвращается, если блокировку не удалось взять до отмены контекста.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker выдаёт эксклюзивную блокировку по ключу. unlock нужно вызвать ровно один раз.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

type entry struct {
	ch   chan struct{}
	refs int
}

// Local блокировка по ключу внутри процесса. Записи удаляются,
// когда на ключ никто не претендует.
type Local struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// NewLocal создаёт локальный Locker.
func NewLocal() *Local {
	return &Local{locks: make(map[string]*entry)}
}

// Lock ждёт освобождения ключа или отмены ctx.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, errors.Join(ErrNotAcquired, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}, nil
}

func (l *Local) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// size возвращает число ключей, на которые кто-то претендует.
func (l *Local) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
