package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript удаляет ключ только если он всё ещё принадлежит владельцу токена.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript продлевает ключ только пока он принадлежит владельцу токена.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis распределённая блокировка для нескольких экземпляров оркестратора.
// TTL ограничивает время жизни блокировки при падении владельца,
// пока владелец жив, ключ продлевается каждые ttl/3.
type Redis struct {
	db     *redis.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
	renew  time.Duration
}

// NewRedis создаёт Locker поверх redis.
func NewRedis(db *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{db: db, prefix: "lock:", ttl: ttl, poll: 50 * time.Millisecond, renew: ttl / 3}
}

// Lock выполняет SET NX PX и повторяет попытку до отмены ctx.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	const op = "lock.Redis.Lock"
	name := r.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		ok, err := r.db.SetNX(ctx, name, token, r.ttl).Result()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if ok {
			stop := make(chan struct{})
			done := make(chan struct{})
			go r.keepAlive(name, token, stop, done)

			var once sync.Once
			return func() {
				once.Do(func() {
					close(stop)
					<-done
					// Контекст вызывающего может быть уже отменён, освобождаем независимо от него.
					releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = releaseScript.Run(releaseCtx, r.db, []string{name}, token).Err()
				})
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: %w", op, errors.Join(ErrNotAcquired, ctx.Err()))
		case <-ticker.C:
		}
	}
}

// keepAlive продлевает TTL до освобождения блокировки или её потери.
func (r *Redis) keepAlive(name, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if r.renew <= 0 {
		return
	}
	ticker := time.NewTicker(r.renew)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.renew)
		n, err := renewScript.Run(ctx, r.db, []string{name}, token, r.ttl.Milliseconds()).Int64()
		cancel()
		if err == nil && n == 0 {
			// Ключ истёк или перехвачен, продлевать больше нечего.
			return
		}
	}
}
