package topology

import "testing"

func TestParentChildRoundTrip(t *testing.T) {
	for k := 1; k <= 4; k++ {
		for n := 1; n <= 40; n++ {
			tr := New(k, n)
			for r := 0; r < n; r++ {
				for i := 0; i < k; i++ {
					c, ok := tr.Child(r, i)
					if !ok {
						continue
					}
					p, ok := tr.Parent(c)
					if !ok || p != r {
						t.Fatalf("k=%d n=%d: Parent(Child(%d,%d)=%d) = %d,%v want %d", k, n, r, i, c, p, ok, r)
					}
				}
			}
		}
	}
}

func TestChildRouteScenario(t *testing.T) {
	// k=2, N=7, rank 0 -> dest 5 routes through child 2,
	// then rank 2 -> dest 5 routes through child 5.
	tr := New(2, 7)
	idx, ok := tr.ChildRoute(0, 5)
	if !ok {
		t.Fatal("expected route from 0 to 5")
	}
	c, _ := tr.Child(0, idx)
	if c != 2 {
		t.Fatalf("rank 0 -> 5 first hop = %d, want 2", c)
	}
	idx2, ok := tr.ChildRoute(2, 5)
	if !ok {
		t.Fatal("expected route from 2 to 5")
	}
	c2, _ := tr.Child(2, idx2)
	if c2 != 5 {
		t.Fatalf("rank 2 -> 5 hop = %d, want 5", c2)
	}
}

func TestChildRouteUndefinedOutsideSubtree(t *testing.T) {
	tr := New(2, 7)
	if _, ok := tr.ChildRoute(1, 5); ok {
		t.Fatal("5 is not in rank 1's subtree, expected no route")
	}
	if _, ok := tr.ChildRoute(0, 0); ok {
		t.Fatal("a rank cannot route to itself")
	}
	if _, ok := tr.ChildRoute(0, 99); ok {
		t.Fatal("out-of-range destination must not route")
	}
}

func TestDescendants(t *testing.T) {
	tr := New(2, 7)
	if got := tr.Descendants(0); got != 7 {
		t.Fatalf("Descendants(0) = %d, want 7", got)
	}
	if got := tr.Descendants(5); got != 1 {
		t.Fatalf("Descendants(5) = %d, want 1 (leaf)", got)
	}
}

func TestChildrenCount(t *testing.T) {
	tr := New(2, 4)
	if tr.ChildrenCount(0) != 2 {
		t.Fatalf("rank 0 should have 2 children in k=2,N=4")
	}
	if tr.ChildrenCount(1) != 1 {
		t.Fatalf("rank 1 should have 1 child in k=2,N=4 (only rank 3)")
	}
	if tr.ChildrenCount(2) != 0 {
		t.Fatalf("rank 2 should be a leaf in k=2,N=4")
	}
}
