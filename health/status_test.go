package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusConstructors(t *testing.T) {
	h := NewHealthy("serial")
	assert.True(t, h.IsHealthy())
	assert.False(t, h.IsDegraded())

	d := NewDegraded("water", "cooling down")
	assert.False(t, d.IsHealthy())
	assert.True(t, d.IsDegraded())
	assert.Equal(t, "cooling down", d.Message)

	u := NewUnhealthy("backend", "process exited")
	assert.False(t, u.IsHealthy())
	assert.Equal(t, StateUnhealthy, u.Status)
}

func TestAggregateHealthy(t *testing.T) {
	s := Aggregate("hardware", NewHealthy("serial"), NewHealthy("water"))
	assert.True(t, s.IsHealthy())
	assert.Len(t, s.SubStatuses, 2)
}

func TestAggregateDegraded(t *testing.T) {
	s := Aggregate("hardware", NewHealthy("serial"), NewDegraded("water", "cooldown"))
	assert.Equal(t, StateDegraded, s.Status)
	assert.False(t, s.Healthy)
	assert.Equal(t, "water: cooldown", s.Message)
}

func TestAggregateUnhealthyWins(t *testing.T) {
	s := Aggregate("hardware",
		NewDegraded("water", "cooldown"),
		NewUnhealthy("serial", "read loop stopped"),
		NewHealthy("logger"),
	)
	assert.Equal(t, StateUnhealthy, s.Status)
	assert.Equal(t, "serial: read loop stopped", s.Message)
	assert.Len(t, s.SubStatuses, 3)
}

func TestAggregateEmpty(t *testing.T) {
	s := Aggregate("hardware")
	assert.True(t, s.IsHealthy())
	assert.Empty(t, s.SubStatuses)
}

func TestWithSubStatusDoesNotShareBacking(t *testing.T) {
	base := NewHealthy("rig").WithSubStatus(NewHealthy("a"))

	b := base.WithSubStatus(NewHealthy("b"))
	c := base.WithSubStatus(NewUnhealthy("c", "boom"))

	assert.Len(t, base.SubStatuses, 1)
	assert.Equal(t, "b", b.SubStatuses[1].Component)
	assert.Equal(t, "c", c.SubStatuses[1].Component)
}
