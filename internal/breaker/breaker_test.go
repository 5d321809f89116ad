package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestNextTripsAfterThreshold(t *testing.T) {
	cfg := Settings{Threshold: 3, Cooldown: time.Minute}
	s := State{Phase: Closed}
	for i := 0; i < 2; i++ {
		s = Next(s, cfg, Failure, t0)
		assert.Equal(t, Closed, s.Phase)
	}
	s = Next(s, cfg, Failure, t0)
	assert.Equal(t, Open, s.Phase)
	assert.Equal(t, t0, s.OpenedAt)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cfg := Settings{Threshold: 2, Cooldown: time.Minute}
	s := Next(State{Phase: Closed}, cfg, Failure, t0)
	s = Next(s, cfg, Success, t0)
	s = Next(s, cfg, Failure, t0)
	assert.Equal(t, Closed, s.Phase)
	assert.Equal(t, 1, s.Failures)
}

func TestAllowRespectsCooldownAndSingleTrial(t *testing.T) {
	cfg := Settings{Threshold: 1, Cooldown: time.Minute}
	s := Next(State{Phase: Closed}, cfg, Failure, t0)

	s, ok := Allow(s, cfg, t0.Add(59*time.Second))
	assert.False(t, ok)
	assert.Equal(t, Open, s.Phase)

	s, ok = Allow(s, cfg, t0.Add(time.Minute))
	assert.True(t, ok)
	assert.Equal(t, HalfOpen, s.Phase)

	_, ok = Allow(s, cfg, t0.Add(time.Minute))
	assert.False(t, ok, "half-open admits one trial")
}

func TestHalfOpenOutcome(t *testing.T) {
	cfg := Settings{Threshold: 1, Cooldown: time.Minute}
	half := State{Phase: HalfOpen, OpenedAt: t0, Trial: true}
	later := t0.Add(2 * time.Minute)

	assert.Equal(t, State{Phase: Closed}, Next(half, cfg, Success, later))

	reopened := Next(half, cfg, Failure, later)
	assert.Equal(t, Open, reopened.Phase)
	assert.Equal(t, later, reopened.OpenedAt)
}

func TestBreakerWithClock(t *testing.T) {
	now := t0
	var phases []Phase
	b := New(Settings{Threshold: 2, Cooldown: 10 * time.Second},
		WithClock(func() time.Time { return now }),
		OnChange(func(p Phase) { phases = append(phases, p) }),
	)

	for i := 0; i < 2; i++ {
		assert.True(t, b.Allow())
		b.Record(Failure)
	}
	assert.False(t, b.Allow())

	now = now.Add(10 * time.Second)
	assert.True(t, b.Allow())
	assert.False(t, b.Allow())
	b.Record(Success)
	assert.True(t, b.Allow())

	assert.Equal(t, []Phase{Open, HalfOpen, Closed}, phases)
}

func TestNewAppliesDefaults(t *testing.T) {
	b := New(Settings{})
	assert.Equal(t, DefaultSettings(), b.cfg)
}

func TestAbortFreesHalfOpenTrial(t *testing.T) {
	now := t0
	b := New(Settings{Threshold: 1, Cooldown: time.Second}, WithClock(func() time.Time { return now }))
	assert.True(t, b.Allow())
	b.Record(Failure)

	now = now.Add(time.Second)
	assert.True(t, b.Allow())
	b.Abort()
	assert.Equal(t, HalfOpen, b.State().Phase)
	assert.True(t, b.Allow())
}
