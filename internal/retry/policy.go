// Package retry описывает ограниченную политику повторов выдачи доступа.
package retry

import (
	"math"
	"time"
)

// Policy ограничение по числу попыток и суммарному времени с экспоненциальной задержкой.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Budget      time.Duration // Время на повторы после окна подтверждения
}

// Delay возвращает задержку перед попыткой с номером attempt (начиная с 1):
// min(BaseDelay * 2^(attempt-1), MaxDelay). Без MaxDelay рост
// ограничен максимальным time.Duration.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Exhausted сообщает, что попытки закончились.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// Deadline возвращает момент, после которого повторы не выполняются.
func (p Policy) Deadline(start time.Time, window time.Duration) time.Time {
	return start.Add(window + p.Budget)
}
