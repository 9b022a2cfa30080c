// Package idgen assigns opaque connection identities. Every strategy only
// promises uniqueness within a process; callers must not parse the ids.
package idgen

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/nrednav/cuid2"
	"github.com/oklog/ulid/v2"
	"github.com/segmentio/ksuid"
)

const (
	StrategyUUID    = "uuid"
	StrategyULID    = "ulid"
	StrategyKSUID   = "ksuid"
	StrategyNanoID  = "nanoid"
	StrategyCUID2   = "cuid2"
	StrategyCounter = "counter"
)

const (
	DefaultNanoIDSize     = 21
	DefaultNanoIDAlphabet = "_-0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	DefaultCUID2Length    = 24
)

// Generator produces connection ids.
type Generator interface {
	Generate() (string, error)
}

// Func adapts a plain function to Generator.
type Func func() (string, error)

func (f Func) Generate() (string, error) { return f() }

// New returns the generator for the named strategy.
func New(strategy string) (Generator, error) {
	switch strings.ToLower(strategy) {
	case "", StrategyUUID:
		return NewUUID(), nil
	case StrategyULID:
		return NewULID(), nil
	case StrategyKSUID:
		return NewKSUID(), nil
	case StrategyNanoID:
		return NewNanoID(DefaultNanoIDSize, DefaultNanoIDAlphabet)
	case StrategyCUID2:
		return NewCUID2(DefaultCUID2Length)
	case StrategyCounter:
		return NewCounter("conn-"), nil
	default:
		return nil, fmt.Errorf("unknown id strategy %q", strategy)
	}
}

// NewUUID generates random v4 UUIDs.
func NewUUID() Generator {
	return Func(func() (string, error) {
		id, err := uuid.NewRandom()
		if err != nil {
			return "", fmt.Errorf("failed to generate UUID: %w", err)
		}
		return id.String(), nil
	})
}

// NewULID generates ULIDs with crypto/rand entropy.
func NewULID() Generator {
	return Func(func() (string, error) {
		id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
		if err != nil {
			return "", fmt.Errorf("failed to generate ULID: %w", err)
		}
		return id.String(), nil
	})
}

// NewKSUID generates KSUIDs.
func NewKSUID() Generator {
	return Func(func() (string, error) {
		id, err := ksuid.NewRandom()
		if err != nil {
			return "", fmt.Errorf("failed to generate KSUID: %w", err)
		}
		return id.String(), nil
	})
}

// NewNanoID generates NanoIDs. size must be between 1 and 256 and the
// alphabet must have at least 2 characters.
func NewNanoID(size int, alphabet string) (Generator, error) {
	if size < 1 || size > 256 {
		return nil, fmt.Errorf("nanoid size must be between 1 and 256, got %d", size)
	}
	if len(alphabet) < 2 {
		return nil, fmt.Errorf("nanoid alphabet must have at least 2 characters, got %d", len(alphabet))
	}
	return Func(func() (string, error) {
		id, err := gonanoid.Generate(alphabet, size)
		if err != nil {
			return "", fmt.Errorf("failed to generate NanoID: %w", err)
		}
		return id, nil
	}), nil
}

// NewCUID2 generates CUID2 ids of the given length (2..32).
func NewCUID2(length int) (Generator, error) {
	if length < 2 || length > 32 {
		return nil, fmt.Errorf("cuid2 length must be between 2 and 32, got %d", length)
	}
	gen, err := cuid2.Init(cuid2.WithLength(length))
	if err != nil {
		return nil, fmt.Errorf("failed to init CUID2 generator: %w", err)
	}
	return Func(func() (string, error) { return gen(), nil }), nil
}

// Counter hands out prefix+N with a process-wide monotonic N. Useful in
// tests and for readable ids in local debugging.
type Counter struct {
	prefix string
	next   atomic.Uint64
}

func NewCounter(prefix string) *Counter {
	return &Counter{prefix: prefix}
}

func (c *Counter) Generate() (string, error) {
	return c.prefix + strconv.FormatUint(c.next.Add(1), 10), nil
}
