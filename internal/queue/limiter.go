package queue

import (
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/mediaqueue/pkg/types"
)

// UrgentLimiter throttles URGENT admissions so lower lanes are not starved
// indefinitely. Other priorities always pass. A nil limiter admits everything.
type UrgentLimiter struct {
	lim *rate.Limiter
}

// NewUrgentLimiter allows perSecond URGENT creates with the given burst.
// perSecond <= 0 disables throttling and returns nil.
func NewUrgentLimiter(perSecond float64, burst int) *UrgentLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &UrgentLimiter{lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Allow reports whether a create at priority p may proceed now.
func (u *UrgentLimiter) Allow(p types.Priority) bool {
	if u == nil || p != types.PriorityUrgent {
		return true
	}
	return u.lim.Allow()
}
