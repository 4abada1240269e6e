// Package script computes device state from the scripts declared by a device model.
package script

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/getpup/fleetsim"
)

var (
	// ErrUnsupportedScript is returned for script types or paths no interpreter handles.
	ErrUnsupportedScript = errors.New("unsupported script")

	// ErrInvalidParams is returned when script parameters cannot be used.
	ErrInvalidParams = errors.New("invalid script params")
)

const (
	// TypeInternal selects the built-in math scripts.
	TypeInternal = "internal"

	// PathIncreasing adds Step to each sensor and wraps to Min after Max.
	PathIncreasing = "Math.Increasing"

	// PathDecreasing subtracts Step from each sensor and wraps to Max below Min.
	PathDecreasing = "Math.Decreasing"

	// PathRandomWithinRange picks a uniform value in [Min, Max] for each sensor.
	PathRandomWithinRange = "Math.Random.WithinRange"
)

// Context describes the device a script runs for.
type Context struct {
	CurrentTime     time.Time
	DeviceID        string
	DeviceModelName string
}

// Interpreter runs one script against the previous device state.
// It must not mutate prevState; the new state is the only side effect.
type Interpreter interface {
	Invoke(s fleetsim.Script, c Context, prevState map[string]interface{}) (map[string]interface{}, error)
}

// Internal runs the built-in math scripts.
// Params map a sensor name to an object with Min, Max and (for the stepping scripts) Step.
type Internal struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewInternal creates an Internal interpreter drawing random values from rnd.
// A nil rnd is seeded from the current time.
func NewInternal(rnd *rand.Rand) *Internal {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Internal{rnd: rnd}
}

// Invoke implements Interpreter.
func (i *Internal) Invoke(s fleetsim.Script, c Context, prevState map[string]interface{}) (map[string]interface{}, error) {
	if s.Type != "" && !strings.EqualFold(s.Type, TypeInternal) {
		return nil, fmt.Errorf("%w: type %q", ErrUnsupportedScript, s.Type)
	}

	var step func(current float64, r sensorRange) float64
	switch s.Path {
	case PathIncreasing:
		step = increase
	case PathDecreasing:
		step = decrease
	case PathRandomWithinRange:
		step = i.random
	default:
		return nil, fmt.Errorf("%w: path %q", ErrUnsupportedScript, s.Path)
	}

	ranges, err := parseRanges(s.Params)
	if err != nil {
		return nil, fmt.Errorf("%s for device %s: %w", s.Path, c.DeviceID, err)
	}

	next := make(map[string]interface{}, len(prevState)+len(ranges))
	for k, v := range prevState {
		next[k] = v
	}
	for _, r := range ranges {
		current, ok := toFloat(prevState[r.sensor])
		if !ok {
			current = r.min
		}
		next[r.sensor] = step(current, r)
	}
	return next, nil
}

type sensorRange struct {
	sensor string
	min    float64
	max    float64
	step   float64
}

func increase(current float64, r sensorRange) float64 {
	next := current + r.step
	if next > r.max {
		return r.min
	}
	return next
}

func decrease(current float64, r sensorRange) float64 {
	next := current - r.step
	if next < r.min {
		return r.max
	}
	return next
}

func (i *Internal) random(_ float64, r sensorRange) float64 {
	i.mu.Lock()
	f := i.rnd.Float64()
	i.mu.Unlock()
	return r.min + f*(r.max-r.min)
}

// parseRanges reads sensor ranges in sensor name order.
func parseRanges(params map[string]interface{}) ([]sensorRange, error) {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	ranges := make([]sensorRange, 0, len(names))
	for _, name := range names {
		fields, ok := params[name].(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: sensor %q is not an object", ErrInvalidParams, name)
		}
		r := sensorRange{sensor: name}
		var okMin, okMax bool
		for key, raw := range fields {
			switch strings.ToLower(key) {
			case "min":
				r.min, okMin = toFloat(raw)
			case "max":
				r.max, okMax = toFloat(raw)
			case "step":
				r.step, _ = toFloat(raw)
			}
		}
		if !okMin || !okMax {
			return nil, fmt.Errorf("%w: sensor %q needs numeric Min and Max", ErrInvalidParams, name)
		}
		if r.min > r.max {
			return nil, fmt.Errorf("%w: sensor %q has Min %v above Max %v", ErrInvalidParams, name, r.min, r.max)
		}
		ranges = append(ranges, r)
	}
	return ranges, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
