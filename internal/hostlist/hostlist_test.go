package hostlist

import (
	"reflect"
	"testing"
)

func TestExpand(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"node[1-3,7]", []string{"node1", "node2", "node3", "node7"}},
		{"node5", []string{"node5"}},
		{"a[1-2],b3", []string{"a1", "a2", "b3"}},
		{"n[01-03]", []string{"n01", "n02", "n03"}},
	}
	for _, c := range cases {
		got, err := Expand(c.in)
		if err != nil {
			t.Fatalf("Expand(%q): %v", c.in, err)
		}
		if !reflect.DeepEqual(got, c.want) {
			t.Fatalf("Expand(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestExpandRejectsUnbalancedOrDescending(t *testing.T) {
	for _, in := range []string{"node[1-3", "n[2-1]"} {
		if _, err := Expand(in); err == nil {
			t.Fatalf("Expand(%q) should fail", in)
		}
	}
}

func TestCompress(t *testing.T) {
	if got := Compress([]string{"node1", "node2", "node3"}); got != "node[1,2,3]" {
		t.Fatalf("got %q", got)
	}
	if got := Compress([]string{"alpha", "beta2"}); got != "alpha,beta2" {
		t.Fatalf("mixed prefixes should not compress, got %q", got)
	}
	if got := Compress(nil); got != "" {
		t.Fatalf("got %q", got)
	}
}
