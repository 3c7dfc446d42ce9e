package fog

import (
	"strconv"
	"strings"
	"sync"

	"overlay/pkg/coordinator"
	"overlay/pkg/types"
)

const (
	topicLength = 24
	dayLength   = 24000
)

// AmbientState is the raw ambient input reduced into a ConditionBucket.
type AmbientState struct {
	Dimension types.DimensionCategory
	// BaseTemperature of the current biome, meaningful only with HasBiome.
	BaseTemperature float64
	HasBiome        bool
	// DayTime is the absolute day-cycle tick; only its position in the day is used.
	DayTime int64
}

// Environment supplies the current ambient state. Snapshot returns false
// when there is no world to describe.
type Environment interface {
	Snapshot() (AmbientState, bool)
}

// StaticEnvironment is an Environment with a fixed, replaceable state.
type StaticEnvironment struct {
	mu     sync.RWMutex
	state  AmbientState
	loaded bool
}

// NewStaticEnvironment returns an environment reporting state.
func NewStaticEnvironment(state AmbientState) *StaticEnvironment {
	return &StaticEnvironment{state: state, loaded: true}
}

func (e *StaticEnvironment) Snapshot() (AmbientState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state, e.loaded
}

// Set replaces the reported state.
func (e *StaticEnvironment) Set(state AmbientState) {
	e.mu.Lock()
	e.state = state
	e.loaded = true
	e.mu.Unlock()
}

// Unload makes Snapshot report no world.
func (e *StaticEnvironment) Unload() {
	e.mu.Lock()
	e.loaded = false
	e.mu.Unlock()
}

// CategorizeDimension maps a namespaced dimension id such as
// "minecraft:the_nether" to its category.
func CategorizeDimension(id string) types.DimensionCategory {
	name := strings.ToLower(id)
	if i := strings.LastIndexByte(name, ':'); i >= 0 {
		name = name[i+1:]
	}
	switch name {
	case "overworld":
		return types.DimensionOverworld
	case "the_nether", "nether":
		return types.DimensionNether
	case "the_end", "end":
		return types.DimensionEnd
	default:
		return types.DimensionOther
	}
}

// CategorizeBiome buckets a biome by base temperature.
func CategorizeBiome(temperature float64, hasBiome bool) types.BiomeCategory {
	if !hasBiome {
		return types.BiomeOther
	}
	switch {
	case temperature < 0.2:
		return types.BiomeCold
	case temperature > 0.9:
		return types.BiomeHot
	case temperature >= 0.2 && temperature <= 0.9:
		return types.BiomeTemperate
	}
	// NaN
	return types.BiomeOther
}

// CategorizeTimeOfDay buckets a day-cycle tick.
func CategorizeTimeOfDay(dayTime int64) types.TimeOfDayBucket {
	pos := dayTime % dayLength
	if pos < 0 {
		pos += dayLength
	}
	switch {
	case pos < 12000:
		return types.TimeDay
	case pos < 18000:
		return types.TimeEvening
	default:
		return types.TimeNight
	}
}

// ComputeCondition reduces ambient state to a ConditionBucket.
func ComputeCondition(state AmbientState, capabilitiesHash string) types.ConditionBucket {
	return types.ConditionBucket{
		Dimension:        state.Dimension,
		Biome:            CategorizeBiome(state.BaseTemperature, state.HasBiome),
		TimeOfDay:        CategorizeTimeOfDay(state.DayTime),
		CapabilitiesHash: capabilitiesHash,
	}
}

// DeriveTopic hashes a condition and time bucket into a 24-character topic.
func DeriveTopic(cond types.ConditionBucket, timeBucket int64) string {
	var b strings.Builder
	b.WriteString("farmcraft-topic|")
	b.WriteString(string(cond.Dimension))
	b.WriteByte('|')
	b.WriteString(string(cond.Biome))
	b.WriteByte('|')
	b.WriteString(string(cond.TimeOfDay))
	b.WriteByte('|')
	b.WriteString(cond.CapabilitiesHash)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(timeBucket, 10))
	return coordinator.HashToBase32([]byte(b.String()), topicLength)
}

// FreshnessFor buckets the age of an announcement in time buckets.
func FreshnessFor(currentBucket, announcedBucket int64) types.FreshnessBucket {
	age := currentBucket - announcedBucket
	switch {
	case age <= 1:
		return types.FreshnessRecent
	case age <= 48:
		return types.FreshnessToday
	default:
		return types.FreshnessThisWeek
	}
}

// TrustFor maps a corroboration count to a trust tier.
func TrustFor(corroborations int) types.TrustTier {
	switch {
	case corroborations >= 6:
		return types.TrustHigh
	case corroborations >= 3:
		return types.TrustMedium
	case corroborations >= 1:
		return types.TrustLow
	default:
		return types.TrustUnverified
	}
}
