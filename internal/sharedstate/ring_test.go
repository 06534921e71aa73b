package sharedstate

import (
	"reflect"
	"testing"
)

func TestRing_PushEvicts(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}

	if got := r.Items(); !reflect.DeepEqual(got, []int{5, 4, 3}) {
		t.Errorf("Items() = %v, want [5 4 3]", got)
	}
	if r.Len() != 3 || r.Cap() != 3 {
		t.Errorf("Len, Cap = %d, %d, want 3, 3", r.Len(), r.Cap())
	}
}

func TestRing_Partial(t *testing.T) {
	r := NewRing[string](4)
	r.Push("a")
	r.Push("b")

	if got := r.Items(); !reflect.DeepEqual(got, []string{"b", "a"}) {
		t.Errorf("Items() = %v, want [b a]", got)
	}
}

func TestRing_UpdateNewestMatch(t *testing.T) {
	r := NewRing[[2]int](4)
	r.Push([2]int{1, 0})
	r.Push([2]int{1, 0})
	r.Push([2]int{2, 0})

	ok := r.Update(func(v [2]int) bool { return v[0] == 1 }, func(v *[2]int) { v[1] = 9 })
	if !ok {
		t.Fatal("Update() = false, want true")
	}
	want := [][2]int{{2, 0}, {1, 9}, {1, 0}}
	if got := r.Items(); !reflect.DeepEqual(got, want) {
		t.Errorf("Items() = %v, want %v", got, want)
	}
	if r.Update(func(v [2]int) bool { return v[0] == 7 }, func(*[2]int) {}) {
		t.Error("Update() on missing = true, want false")
	}
}

func TestRing_ClearAndCount(t *testing.T) {
	r := NewRing[int](2)
	r.Push(1)
	r.Push(2)
	r.Push(3)

	if n := r.Count(func(v int) bool { return v > 1 }); n != 2 {
		t.Errorf("Count() = %d, want 2", n)
	}

	r.Clear()
	if r.Len() != 0 || len(r.Items()) != 0 {
		t.Errorf("after Clear Len = %d", r.Len())
	}

	r.Push(7)
	if got := r.Items(); !reflect.DeepEqual(got, []int{7}) {
		t.Errorf("Items() = %v, want [7]", got)
	}
}

func TestNewRing_NonPositive(t *testing.T) {
	if NewRing[int](0).Cap() != 1 {
		t.Error("NewRing(0) should clamp capacity to 1")
	}
}

func BenchmarkRing_Push(b *testing.B) {
	r := NewRing[Notification](DefaultNotificationCap)
	n := Notification{Title: "bench"}
	for i := 0; i < b.N; i++ {
		r.Push(n)
	}
}
