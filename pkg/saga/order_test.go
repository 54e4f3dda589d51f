package saga

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func indexOf(t *testing.T, cmds []Command, stepID string) int {
	t.Helper()
	for i, c := range cmds {
		if c.StepID == stepID {
			return i
		}
	}
	t.Fatalf("step %s not found", stepID)
	return -1
}

func TestCompensationOrderChildrenFirst(t *testing.T) {
	cmds := []Command{
		{ID: 1, SagaID: "g1", StepID: "a"},
		{ID: 2, SagaID: "g1", StepID: "b", ParentStepID: "a"},
		{ID: 3, SagaID: "g1", StepID: "c", ParentStepID: "b"},
		{ID: 4, SagaID: "g1", StepID: "d", ParentStepID: "a"},
	}

	out := CompensationOrder(cmds)
	require.Len(t, out, 4)
	require.Less(t, indexOf(t, out, "c"), indexOf(t, out, "b"))
	require.Less(t, indexOf(t, out, "b"), indexOf(t, out, "a"))
	require.Less(t, indexOf(t, out, "d"), indexOf(t, out, "a"))
}

func TestCompensationOrderGroupsSagas(t *testing.T) {
	cmds := []Command{
		{ID: 5, SagaID: "g2", StepID: "x"},
		{ID: 1, SagaID: "g1", StepID: "a"},
		{ID: 6, SagaID: "g2", StepID: "y", ParentStepID: "x"},
		{ID: 2, SagaID: "g1", StepID: "b", ParentStepID: "a"},
	}

	out := CompensationOrder(cmds)
	require.Len(t, out, 4)
	require.Equal(t, []string{"g1", "g1", "g2", "g2"}, []string{out[0].SagaID, out[1].SagaID, out[2].SagaID, out[3].SagaID})
	require.Equal(t, "b", out[0].StepID)
	require.Equal(t, "y", out[2].StepID)
}

func TestCompensationOrderCycleFallsBack(t *testing.T) {
	cmds := []Command{
		{ID: 1, SagaID: "g1", StepID: "a", ParentStepID: "b"},
		{ID: 2, SagaID: "g1", StepID: "b", ParentStepID: "a"},
	}

	out := CompensationOrder(cmds)
	require.Equal(t, []int64{2, 1}, []int64{out[0].ID, out[1].ID})
}

func TestCompensationOrderSmallInputs(t *testing.T) {
	require.Empty(t, CompensationOrder(nil))
	single := []Command{{ID: 1, SagaID: "g1", StepID: "a", ParentStepID: "a"}}
	require.Equal(t, single, CompensationOrder(single))
}
