package chatsync

import (
	"log/slog"
	"sync"
	"time"
)

// Scroller is the viewport a ScrollPolicy drives.
type Scroller interface {
	ScrollToBottom(animated bool)
}

// ScrollerFunc adapts a function to Scroller.
type ScrollerFunc func(animated bool)

func (f ScrollerFunc) ScrollToBottom(animated bool) { f(animated) }

// ScrollDecision is what a mutation asks of the viewport.
type ScrollDecision int

const (
	ScrollNone ScrollDecision = iota
	ScrollInstant
	ScrollAnimated
)

func (d ScrollDecision) String() string {
	switch d {
	case ScrollInstant:
		return "instant"
	case ScrollAnimated:
		return "animated"
	}
	return "none"
}

// ScrollConfig configures a ScrollPolicy.
type ScrollConfig struct {
	// Threshold is the distance from the bottom, in viewport units, under
	// which the viewport counts as following the conversation.
	Threshold float64
	// SettleDelay lets the viewport lay out new content before scrolling.
	SettleDelay time.Duration
	// LocalUserID marks pushed messages authored by the local user, e.g.
	// from another device, which follow the local-send rule.
	LocalUserID string

	Scheduler Scheduler
	Logger    *slog.Logger
}

func (c *ScrollConfig) defaults() {
	if c.Threshold == 0 {
		c.Threshold = 100
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = 50 * time.Millisecond
	}
	if c.Scheduler == nil {
		c.Scheduler = RealScheduler
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ScrollPolicy decides whether a log mutation scrolls the viewport:
//   - the first history population jumps to the bottom without animation;
//   - messages from other users always scroll;
//   - local sends scroll only while the viewport is near the bottom;
//   - confirmations and read receipts never scroll.
type ScrollPolicy struct {
	scroller Scroller
	config   *ScrollConfig
	logger   *slog.Logger
	settle   *Debouncer

	mu         sync.Mutex
	nearBottom bool
	populated  bool
	pending    ScrollDecision
	closed     bool
}

// NewScrollPolicy creates a policy driving scroller. The viewport starts at
// the bottom.
func NewScrollPolicy(scroller Scroller, config *ScrollConfig) *ScrollPolicy {
	var cfg ScrollConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &ScrollPolicy{
		scroller:   scroller,
		config:     &cfg,
		logger:     cfg.Logger.With("component", "scroll"),
		settle:     NewDebouncer(cfg.Scheduler, cfg.SettleDelay),
		nearBottom: true,
	}
}

// OnUserScroll reports the viewport's distance from the bottom after a user
// scroll. Within the threshold the policy follows new local sends again.
func (p *ScrollPolicy) OnUserScroll(distanceFromBottom float64) {
	p.mu.Lock()
	p.nearBottom = distanceFromBottom <= p.config.Threshold
	p.mu.Unlock()
}

// NearBottom reports whether the viewport is following the conversation.
func (p *ScrollPolicy) NearBottom() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nearBottom
}

// Decide returns the scroll m calls for, without applying it.
func (p *ScrollPolicy) Decide(m Mutation) ScrollDecision {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.decideLocked(m)
}

func (p *ScrollPolicy) decideLocked(m Mutation) ScrollDecision {
	switch m.Kind {
	case MutationLoaded:
		if m.First && !p.populated {
			return ScrollInstant
		}
	case MutationAppended, MutationInserted:
		if p.isLocal(m) && !p.nearBottom {
			return ScrollNone
		}
		return ScrollAnimated
	}
	return ScrollNone
}

func (p *ScrollPolicy) isLocal(m Mutation) bool {
	if m.Source == SourceOptimistic {
		return true
	}
	return p.config.LocalUserID != "" && m.Message.SenderID == p.config.LocalUserID
}

// Observe applies the decision for m after the settle delay. Decisions made
// within one settle window coalesce into one scroll; an instant jump wins.
func (p *ScrollPolicy) Observe(m Mutation) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	d := p.decideLocked(m)
	if m.Kind == MutationLoaded && m.First {
		p.populated = true
	}
	if d == ScrollNone {
		p.mu.Unlock()
		return
	}
	if p.pending != ScrollInstant {
		p.pending = d
	}
	p.mu.Unlock()

	p.settle.Arm(p.apply)
}

func (p *ScrollPolicy) apply() {
	p.mu.Lock()
	d := p.pending
	p.pending = ScrollNone
	if p.closed || d == ScrollNone {
		p.mu.Unlock()
		return
	}
	p.nearBottom = true
	p.mu.Unlock()

	p.logger.Debug("scroll to bottom", "mode", d.String())
	p.scroller.ScrollToBottom(d == ScrollAnimated)
}

// Close cancels a pending scroll.
func (p *ScrollPolicy) Close() {
	p.mu.Lock()
	p.closed = true
	p.pending = ScrollNone
	p.mu.Unlock()
	p.settle.Cancel()
}
