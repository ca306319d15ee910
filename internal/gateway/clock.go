package gateway

import "time"

//go:generate mockgen -destination=mock_clock.go -package=gateway github.com/roach88/bulbflow/internal/gateway Clock

// Clock supplies the wall-clock reading folded into windowed keys.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
