package scheduler

import (
	"fmt"
	"math"
	"time"
)

// Policy decides how much of the remaining slack before a port's next swap
// an incremental drain step may spend.
type Policy struct {
	ReadingRatio float64
	MinSlack     time.Duration
}

func DefaultPolicy() Policy {
	return Policy{ReadingRatio: 0.05, MinSlack: 2 * time.Millisecond}
}

func (p Policy) Validate() error {
	if p.ReadingRatio <= 0 || p.ReadingRatio > 1 {
		return fmt.Errorf("reading ratio %v must be in (0, 1]", p.ReadingRatio)
	}
	if p.MinSlack < 0 {
		return fmt.Errorf("min slack %s is negative", p.MinSlack)
	}
	return nil
}

// Chunk returns the number of cells one step may read:
// floor((available/est) * ratio * cellCount). It returns 0 when available is
// below the minimum slack.
func (p Policy) Chunk(available, est time.Duration, cellCount int) int {
	if available < p.MinSlack || available <= 0 {
		return 0
	}
	if est < time.Microsecond {
		est = time.Microsecond
	}
	c := math.Floor(float64(available) / float64(est) * p.ReadingRatio * float64(cellCount))
	if c > float64(cellCount) {
		return cellCount
	}
	return int(c)
}
