package id

import (
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// Strategy selects the algorithm behind generated identifiers. Both produce
// ids that sort by creation time.
type Strategy int32

const (
	StrategyUUIDv7 Strategy = iota
	StrategyKSUID
)

func (s Strategy) String() string {
	if s == StrategyKSUID {
		return "ksuid"
	}
	return "uuidv7"
}

// ParseStrategy reads ids.strategy; anything but "ksuid" means UUIDv7.
func ParseStrategy(value string) Strategy {
	if strings.EqualFold(strings.TrimSpace(value), StrategyKSUID.String()) {
		return StrategyKSUID
	}
	return StrategyUUIDv7
}

// Generator issues trace and step ids of the form "<kind>-<body>".
type Generator struct {
	strategy atomic.Int32
}

func NewGenerator(strategy Strategy) *Generator {
	g := &Generator{}
	g.SetStrategy(strategy)
	return g
}

// SetStrategy affects ids generated afterwards.
func (g *Generator) SetStrategy(strategy Strategy) {
	g.strategy.Store(int32(strategy))
}

func (g *Generator) Strategy() Strategy {
	return Strategy(g.strategy.Load())
}

func (g *Generator) TraceID() string { return "trace-" + g.body() }

func (g *Generator) StepID() string { return "step-" + g.body() }

func (g *Generator) body() string {
	if g.Strategy() == StrategyKSUID {
		return ksuid.New().String()
	}
	v7, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return v7.String()
}
