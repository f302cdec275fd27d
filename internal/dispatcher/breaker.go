package dispatcher

import (
	"sync"
	"time"
)

// breakerState is the state of one host's circuit.
type breakerState int

const (
	closed   breakerState = iota // deliveries allowed
	open                         // deliveries blocked until cooldown passes
	halfOpen                     // one trial delivery allowed
)

func (s breakerState) String() string {
	switch s {
	case closed:
		return "closed"
	case open:
		return "open"
	case halfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// breaker counts consecutive delivery failures for one callback host.
type breaker struct {
	mu          sync.Mutex
	state       breakerState
	failures    int
	threshold   int
	cooldown    time.Duration
	lastFailure time.Time
	now         func() time.Time
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case open:
		if b.now().Sub(b.lastFailure) > b.cooldown {
			b.state = halfOpen
			return true
		}
		return false
	default:
		return true
	}
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = closed
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()
	if b.state == halfOpen || b.failures >= b.threshold {
		b.state = open
	}
}

func (b *breaker) current() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// breakers holds one breaker per host, created on first use.
type breakers struct {
	mu        sync.Mutex
	byHost    map[string]*breaker
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

func newBreakers(threshold int, cooldown time.Duration) *breakers {
	return &breakers{
		byHost:    make(map[string]*breaker),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func (r *breakers) get(host string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.byHost[host]
	if !ok {
		b = &breaker{threshold: r.threshold, cooldown: r.cooldown, now: r.now}
		r.byHost[host] = b
	}
	return b
}

// counts returns the number of breakers and how many are open.
func (r *breakers) counts() (total, openCount int) {
	r.mu.Lock()
	list := make([]*breaker, 0, len(r.byHost))
	for _, b := range r.byHost {
		list = append(list, b)
	}
	r.mu.Unlock()

	for _, b := range list {
		if b.current() == open {
			openCount++
		}
	}
	return len(list), openCount
}
