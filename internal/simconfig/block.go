package simconfig

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"strconv"

	"github.com/bytedance/sonic"
)

// Block is one named parameter object of the simulation document.
type Block struct {
	name   string
	values map[string]interface{}
}

// NewBlock wraps raw values; used by tests and programmatic configs.
func NewBlock(name string, values map[string]interface{}) Block {
	return Block{name: name, values: values}
}

func (b Block) Name() string  { return b.name }
func (b Block) Class() string { return b.String("class", "") }

// Has reports whether key is present.
func (b Block) Has(key string) bool {
	_, ok := b.values[key]
	return ok
}

func (b Block) Float(key string, def float64) float64 {
	v, ok := b.values[key]
	if !ok {
		return def
	}
	if f, ok := toFloat(v); ok {
		return f
	}
	return def
}

func (b Block) Int(key string, def int) int {
	v, ok := b.values[key]
	if !ok {
		return def
	}
	if f, ok := toFloat(v); ok {
		return int(f)
	}
	return def
}

func (b Block) Bool(key string, def bool) bool {
	if v, ok := b.values[key].(bool); ok {
		return v
	}
	return def
}

// String accepts strings and numbers (PAMS allows numeric session names).
func (b Block) String(key, def string) string {
	switch v := b.values[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return def
	}
}

// Strings returns a string list or nil when the key is absent or malformed.
func (b Block) Strings(key string) []string {
	out, _ := b.strings(key)
	return out
}

func (b Block) strings(key string) ([]string, error) {
	v, ok := b.values[key]
	if !ok {
		return nil, nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%s.%s is not a list", b.name, key)
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s.%s contains a non-string", b.name, key)
		}
		out = append(out, s)
	}
	return out, nil
}

// Random parses a JsonRandom value at key, or def when the key is absent.
func (b Block) Random(key string, def float64) (Random, error) {
	v, ok := b.values[key]
	if !ok {
		return Const(def), nil
	}
	r, err := ParseRandom(v)
	if err != nil {
		return Random{}, configErr(b.name+"."+key, "%v", err)
	}
	return r, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// RandomKind is the distribution of a Random value.
type RandomKind int

const (
	RandomConst RandomKind = iota
	RandomUniform
	RandomNormal
	RandomExpon
)

// Random is a parameter that is either a constant or drawn per agent.
type Random struct {
	Kind RandomKind
	A, B float64
}

func Const(v float64) Random { return Random{Kind: RandomConst, A: v} }

// ParseRandom accepts a number, a [low, high] pair (uniform),
// {"uniform":[a,b]}, {"normal":[mu,sigma]}, {"expon":[lambda]} or {"const":[v]}.
func ParseRandom(v interface{}) (Random, error) {
	if f, ok := toFloat(v); ok {
		return Const(f), nil
	}
	if pair, ok := v.([]interface{}); ok {
		return ParseRandom(map[string]interface{}{"uniform": pair})
	}
	obj, ok := v.(map[string]interface{})
	if !ok || len(obj) != 1 {
		return Random{}, errors.New("random value must be a number or a single-key distribution object")
	}
	for kind, args := range obj {
		list, ok := args.([]interface{})
		if !ok {
			return Random{}, fmt.Errorf("%s arguments must be a list", kind)
		}
		nums := make([]float64, len(list))
		for i, a := range list {
			f, ok := toFloat(a)
			if !ok {
				return Random{}, fmt.Errorf("%s argument %d is not a number", kind, i)
			}
			nums[i] = f
		}
		switch kind {
		case "const":
			if len(nums) != 1 {
				return Random{}, errors.New("const takes one argument")
			}
			return Const(nums[0]), nil
		case "uniform":
			if len(nums) != 2 || nums[1] < nums[0] {
				return Random{}, errors.New("uniform takes [low, high] with low <= high")
			}
			return Random{Kind: RandomUniform, A: nums[0], B: nums[1]}, nil
		case "normal":
			if len(nums) != 2 || nums[1] < 0 {
				return Random{}, errors.New("normal takes [mu, sigma] with sigma >= 0")
			}
			return Random{Kind: RandomNormal, A: nums[0], B: nums[1]}, nil
		case "expon":
			if len(nums) != 1 || nums[0] <= 0 {
				return Random{}, errors.New("expon takes [lambda] with lambda > 0")
			}
			return Random{Kind: RandomExpon, A: nums[0]}, nil
		default:
			return Random{}, fmt.Errorf("unknown distribution %q", kind)
		}
	}
	return Random{}, errors.New("unreachable")
}

// Draw samples the value with the given generator. Constants consume no randomness.
func (r Random) Draw(rng *rand.Rand) float64 {
	switch r.Kind {
	case RandomUniform:
		return r.A + (r.B-r.A)*rng.Float64()
	case RandomNormal:
		return r.A + r.B*rng.NormFloat64()
	case RandomExpon:
		return rng.ExpFloat64() / r.A
	default:
		return r.A
	}
}

// VariableRanges maps observation feature names to [min, max] normalisation ranges.
type VariableRanges map[string][2]float64

// Normalize maps v from the named range to [-1, 1]; unknown names pass through.
func (vr VariableRanges) Normalize(name string, v float64) float64 {
	r, ok := vr[name]
	if !ok || r[1] <= r[0] {
		return v
	}
	x := 2*(v-r[0])/(r[1]-r[0]) - 1
	return math.Max(-1, math.Min(1, x))
}

// LoadVariableRanges reads a {"name": [min, max]} JSON document. An empty
// path yields an empty map.
func LoadVariableRanges(path string) (VariableRanges, error) {
	if path == "" {
		return VariableRanges{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read variable ranges: %w", err)
	}
	var raw map[string][]float64
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return nil, configErr(path, "malformed variable ranges: %v", err)
	}
	out := make(VariableRanges, len(raw))
	for name, r := range raw {
		if len(r) != 2 || r[1] <= r[0] {
			return nil, configErr(path+"."+name, "range must be [min, max] with min < max")
		}
		out[name] = [2]float64{r[0], r[1]}
	}
	return out, nil
}
