package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/nodemanager/pkg/events"
	"github.com/cuemby/nodemanager/pkg/types"
)

var allStates = []types.RunningState{
	types.StateInit,
	types.StateNormal,
	types.StateReady,
	types.StatePause,
	types.StateAbnormal,
}

// StateSource reports the node's current running state
type StateSource interface {
	State() types.RunningState
}

// Collector keeps the state gauges current. It follows state.changed events
// as they happen and resamples on a ticker in case an event was dropped.
type Collector struct {
	state    StateSource
	broker   *events.Broker
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	done     chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(state StateSource, broker *events.Broker) *Collector {
	return &Collector{
		state:    state,
		broker:   broker,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	sub := c.broker.Subscribe()
	ticker := time.NewTicker(c.interval)
	go func() {
		defer close(c.done)
		defer c.broker.Unsubscribe(sub)
		defer ticker.Stop()

		// Collect immediately on start
		c.collect()

		for {
			select {
			case ev, ok := <-sub:
				if !ok {
					return
				}
				if ev.Type == events.EventStateChanged {
					SetRunningState(types.RunningState(ev.Metadata["to"]))
				}
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collector and waits for it to exit
func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	if c.started.Load() {
		<-c.done
	}
}

func (c *Collector) collect() {
	SetRunningState(c.state.State())
	EventsDropped.Set(float64(c.broker.Dropped()))
}

// SetRunningState marks s as the active state
func SetRunningState(s types.RunningState) {
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		RunningState.WithLabelValues(string(st)).Set(v)
	}
}
