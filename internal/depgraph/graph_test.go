package depgraph

import "testing"

func TestHasCycleDetectsNoCycleForLinearChain(t *testing.T) {
	g := New()
	// 3 waits on 2, 2 waits on 1, 1 has no deps.
	g.AddEdge(3, 2)
	g.AddEdge(2, 1)
	keys := map[uint64]struct{}{1: {}, 2: {}, 3: {}}
	if g.HasCycle(keys) {
		t.Fatal("expected linear chain to not be a cycle")
	}
}

func TestHasCycleDetectsDirectCycle(t *testing.T) {
	g := New()
	g.AddEdge(1, 2)
	g.AddEdge(2, 1)
	keys := map[uint64]struct{}{1: {}, 2: {}}
	if !g.HasCycle(keys) {
		t.Fatal("expected mutual dependency to be detected as a cycle")
	}
}

func TestHasCycleDetectsSelfCycle(t *testing.T) {
	g := New()
	g.AddEdge(1, 1)
	keys := map[uint64]struct{}{1: {}}
	if !g.HasCycle(keys) {
		t.Fatal("expected self-dependency to be detected as a cycle")
	}
}

func TestHasCycleAllowsDiamond(t *testing.T) {
	g := New()
	// 4 waits on 2 and 3; 2 and 3 both wait on 1.
	g.AddEdge(4, 2)
	g.AddEdge(4, 3)
	g.AddEdge(2, 1)
	g.AddEdge(3, 1)
	keys := map[uint64]struct{}{1: {}, 2: {}, 3: {}, 4: {}}
	if g.HasCycle(keys) {
		t.Fatal("expected diamond-shaped dependency graph to be acyclic")
	}
}

func TestRemoveKeyRollsBackEdges(t *testing.T) {
	g := New()
	g.AddEdge(1, 2)
	if !g.Waiting(1) {
		t.Fatal("expected 1 to be waiting before rollback")
	}
	g.RemoveKey(1)
	if g.Waiting(1) {
		t.Fatal("expected 1 to have no edges after rollback")
	}
}

func TestReleaseClearsSatisfiedPrerequisites(t *testing.T) {
	g := New()
	g.AddEdge(10, 1)
	g.AddEdge(11, 1)
	g.AddEdge(11, 2)

	released := g.Release(1)
	if len(released) != 1 || released[0] != 10 {
		t.Fatalf("expected only 10 released, got %v", released)
	}
	if g.Waiting(10) {
		t.Fatal("expected 10 to have no remaining prerequisites")
	}
	if !g.Waiting(11) {
		t.Fatal("expected 11 to still be waiting on 2")
	}

	released = g.Release(2)
	if len(released) != 1 || released[0] != 11 {
		t.Fatalf("expected 11 released after its remaining dependency completes, got %v", released)
	}
}

func TestReleaseHandlesDuplicateEdges(t *testing.T) {
	g := New()
	g.AddEdge(5, 1)
	g.AddEdge(5, 1)
	released := g.Release(1)
	if len(released) != 1 || released[0] != 5 {
		t.Fatalf("expected 5 released once duplicate edges are cleared, got %v", released)
	}
}

func TestLenReflectsOutstandingNodes(t *testing.T) {
	g := New()
	if g.Len() != 0 {
		t.Fatalf("expected empty graph, got len %d", g.Len())
	}
	g.AddEdge(1, 2)
	if g.Len() != 1 {
		t.Fatalf("expected 1 outstanding node, got %d", g.Len())
	}
}
