package rpkica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AshkanYarmoradi/go-rpkica/adapters/memory"
)

// Test aggregate: a counter that keeps a running total.

type counterInit struct {
	Start int `json:"start"`
}

func (counterInit) Summary() string { return "counter created" }

type counterCmd struct {
	Op string `json:"op"`
	N  int    `json:"n"`
}

func (c counterCmd) CommandType() string { return c.Op }
func (c counterCmd) Summary() string     { return fmt.Sprintf("%s %d", c.Op, c.N) }

type counterEvent interface {
	EventDetails
	isCounterEvent()
}

type counterAdded struct {
	N int `json:"n"`
}

func (e counterAdded) Summary() string { return fmt.Sprintf("added %d", e.N) }
func (counterAdded) isCounterEvent()   {}

type counterReset struct{}

func (counterReset) Summary() string { return "reset" }
func (counterReset) isCounterEvent() {}

// counterPoisoned is produced by a command but refused by Apply.
type counterPoisoned struct{}

func (counterPoisoned) Summary() string { return "poisoned" }
func (counterPoisoned) isCounterEvent() {}

var errNegative = errors.New("counter: negative amount")

type counter struct {
	handle  Handle
	version int64
	total   int
}

type counterState struct {
	Handle  Handle `json:"handle"`
	Version int64  `json:"version"`
	Total   int    `json:"total"`
}

func initCounter(e StoredEvent[counterInit]) (*counter, error) {
	if e.Version() != 0 {
		return nil, fmt.Errorf("init at version %d", e.Version())
	}
	return &counter{handle: e.Handle(), version: 1, total: e.Details().Start}, nil
}

func (c *counter) Handle() Handle { return c.handle }
func (c *counter) Version() int64 { return c.version }

func (c *counter) Apply(e StoredEvent[counterEvent]) error {
	if e.Version() != c.version {
		return fmt.Errorf("event version %d on counter version %d", e.Version(), c.version)
	}
	switch d := e.Details().(type) {
	case counterAdded:
		c.total += d.N
	case counterReset:
		c.total = 0
	default:
		return fmt.Errorf("cannot apply %T", d)
	}
	c.version++
	return nil
}

func (c *counter) ProcessCommand(_ context.Context, cmd SentCommand[counterCmd]) ([]counterEvent, error) {
	d := cmd.Details()
	switch d.Op {
	case "add":
		if d.N < 0 {
			return nil, errNegative
		}
		if d.N == 0 {
			return nil, nil
		}
		return []counterEvent{counterAdded{N: d.N}}, nil
	case "double":
		return []counterEvent{counterAdded{N: d.N}, counterAdded{N: d.N}}, nil
	case "reset":
		return []counterEvent{counterReset{}}, nil
	case "poison":
		return []counterEvent{counterPoisoned{}}, nil
	}
	return nil, fmt.Errorf("unknown op %q", d.Op)
}

func (c *counter) MarshalJSON() ([]byte, error) {
	return json.Marshal(counterState{Handle: c.handle, Version: c.version, Total: c.total})
}

func (c *counter) UnmarshalJSON(data []byte) error {
	var s counterState
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	c.handle, c.version, c.total = s.Handle, s.Version, s.Total
	return nil
}

type counterStore = AggregateStore[*counter, counterInit, counterCmd, counterEvent]

// stepClock returns a clock advancing one second per call.
func stepClock() func() time.Time {
	t := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func newCounterStore(adapter *memory.MemoryAdapter, opts ...StoreOption) *counterStore {
	opts = append([]StoreOption{WithClock(stepClock())}, opts...)
	s := NewAggregateStore[*counter, counterInit, counterCmd, counterEvent](adapter, "counters", initCounter, opts...)
	s.RegisterEvents(counterAdded{}, counterReset{}, counterPoisoned{})
	return s
}

func addCmd(h Handle, version int64, n int) SentCommand[counterCmd] {
	return NewSentCommand(h, version, counterCmd{Op: "add", N: n})
}
