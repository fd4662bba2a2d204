package storage

import "time"

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr возвращает указатель на копию t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
