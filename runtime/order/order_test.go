package order

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"pending to processing", StatusPending, StatusProcessing, true},
		{"pending to cancelled", StatusPending, StatusCancelled, true},
		{"pending to completed", StatusPending, StatusCompleted, false},
		{"processing to completed", StatusProcessing, StatusCompleted, true},
		{"processing to failed", StatusProcessing, StatusFailed, true},
		{"processing to cancelled", StatusProcessing, StatusCancelled, true},
		{"processing to requires_human", StatusProcessing, StatusRequiresHuman, true},
		{"processing to pending", StatusProcessing, StatusPending, false},
		{"requires_human to processing", StatusRequiresHuman, StatusProcessing, true},
		{"requires_human to manual_control", StatusRequiresHuman, StatusManualControl, true},
		{"requires_human to completed", StatusRequiresHuman, StatusCompleted, false},
		{"requires_human to cancelled", StatusRequiresHuman, StatusCancelled, true},
		{"manual_control to processing", StatusManualControl, StatusProcessing, true},
		{"manual_control to cancelled", StatusManualControl, StatusCancelled, true},
		{"manual_control to requires_human", StatusManualControl, StatusRequiresHuman, false},
		{"completed is absorbing", StatusCompleted, StatusProcessing, false},
		{"failed is absorbing", StatusFailed, StatusPending, false},
		{"cancelled is absorbing", StatusCancelled, StatusProcessing, false},
		{"same status allowed", StatusProcessing, StatusProcessing, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, CanTransition(tc.from, tc.to))
		})
	}
}

func TestTerminalStatuses(t *testing.T) {
	t.Parallel()
	require.True(t, StatusCompleted.Terminal())
	require.True(t, StatusFailed.Terminal())
	require.True(t, StatusCancelled.Terminal())
	require.False(t, StatusPending.Terminal())
	require.False(t, StatusProcessing.Terminal())
	require.False(t, StatusRequiresHuman.Terminal())
	require.False(t, StatusManualControl.Terminal())
}

func TestValid(t *testing.T) {
	t.Parallel()
	require.True(t, StatusPending.Valid())
	require.False(t, Status("unknown").Valid())
	require.True(t, MethodNovaAct.Valid())
	require.True(t, MethodStrands.Valid())
	require.False(t, Method("selenium").Valid())
	require.True(t, PriorityLow.Valid())
	require.True(t, PriorityUrgent.Valid())
	require.False(t, Priority(0).Valid())
	require.False(t, Priority(5).Valid())
}

func allStatuses() []Status {
	return []Status{
		StatusPending, StatusProcessing, StatusCompleted, StatusFailed,
		StatusCancelled, StatusRequiresHuman, StatusManualControl,
	}
}

func TestStateMachineProperties(t *testing.T) {
	t.Parallel()
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	statusGen := gen.OneConstOf(
		StatusPending, StatusProcessing, StatusCompleted, StatusFailed,
		StatusCancelled, StatusRequiresHuman, StatusManualControl,
	)

	properties.Property("terminal statuses accept no outgoing transition", prop.ForAll(
		func(from, to Status) bool {
			if !from.Terminal() || from == to {
				return true
			}
			return !CanTransition(from, to)
		},
		statusGen, statusGen,
	))

	properties.Property("every status allows a same-status update", prop.ForAll(
		func(s Status) bool { return CanTransition(s, s) },
		statusGen,
	))

	properties.Property("pending is never re-entered", prop.ForAll(
		func(from Status) bool {
			if from == StatusPending {
				return true
			}
			return !CanTransition(from, StatusPending)
		},
		statusGen,
	))

	properties.TestingRun(t)
}

func TestEveryStatusReachableFromPending(t *testing.T) {
	t.Parallel()
	reachable := map[Status]bool{StatusPending: true}
	for changed := true; changed; {
		changed = false
		for _, from := range allStatuses() {
			if !reachable[from] {
				continue
			}
			for _, to := range allStatuses() {
				if from != to && CanTransition(from, to) && !reachable[to] {
					reachable[to] = true
					changed = true
				}
			}
		}
	}
	for _, s := range allStatuses() {
		assert.True(t, reachable[s], "status %s is unreachable from pending", s)
	}
}
