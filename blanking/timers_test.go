package blanking

import (
	"testing"
	"time"
)

func TestEvaluateOnArmingPrecedence(t *testing.T) {
	cases := []struct {
		name string
		ex   Exceptions
		want Armed
	}{
		{"update mode blocks all", Exceptions{UpdateMode: true}, Armed{}},
		{"stay-on blocks all", Exceptions{Inhibit: InhibitStayOn}, Armed{}},
		{"stay-on-with-charger blocks when charging", Exceptions{Inhibit: InhibitStayOnWithCharger, ChargerOn: true}, Armed{}},
		{"stay-on-with-charger allows dim when not charging", Exceptions{Inhibit: InhibitStayOnWithCharger, ChargerOn: false}, Armed{Dim: true}},
		{"ringing blocks all", Exceptions{CallException: true, Ringing: true}, Armed{}},
		{"handset + proximity blocks all", Exceptions{CallException: true, HandsetRoute: true, ProximityCovered: true}, Armed{}},
		{"call exception arms dim", Exceptions{CallException: true}, Armed{Dim: true}},
		{"touch-lock arms off", Exceptions{TouchLock: true}, Armed{Off: true}},
		{"pause suppresses dim", Exceptions{PauseActive: true}, Armed{}},
		{"default arms dim", Exceptions{}, Armed{Dim: true}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := EvaluateOnArming(c.ex); got != c.want {
				t.Fatalf("got %+v, want %+v", got, c.want)
			}
		})
	}
}

func TestEvaluateDimArming(t *testing.T) {
	if got := EvaluateDimArming(Exceptions{Inhibit: InhibitStayDim}); got != (Armed{}) {
		t.Fatalf("stay-dim: got %+v, want no off timer", got)
	}
	if got := EvaluateDimArming(Exceptions{Inhibit: InhibitStayDimWithCharger, ChargerOn: true}); got != (Armed{}) {
		t.Fatalf("stay-dim-with-charger+charging: got %+v, want no off timer", got)
	}
	if got := EvaluateDimArming(Exceptions{Inhibit: InhibitStayDimWithCharger, ChargerOn: false}); !got.Off {
		t.Fatalf("stay-dim-with-charger+not charging: got %+v, want off armed", got)
	}
	if got := EvaluateDimArming(Exceptions{}); !got.Off {
		t.Fatalf("default: got %+v, want off armed", got)
	}
}

func TestDimIndexWalksAndResets(t *testing.T) {
	d := NewDimIndex([]int{5, 10, 20, 40})
	if got := d.Current(999); got != 5 {
		t.Fatalf("initial = %d, want 5", got)
	}
	now := time.Unix(0, 0)
	d.Activity(now, time.Minute)
	now = now.Add(time.Second)
	d.Activity(now, time.Minute)
	if got := d.Current(999); got != 10 {
		t.Fatalf("after 2nd activity = %d, want 10", got)
	}
	// Walk to the end; must never exceed it.
	for i := 0; i < 10; i++ {
		now = now.Add(time.Second)
		d.Activity(now, time.Minute)
	}
	if got := d.Current(999); got != 40 {
		t.Fatalf("saturated = %d, want last entry 40", got)
	}
	// Idle past the adaptive period resets the walk.
	now = now.Add(2 * time.Minute)
	d.Activity(now, time.Minute)
	if got := d.Current(999); got != 5 {
		t.Fatalf("after reset = %d, want 5", got)
	}
}

func TestPauseSetIdempotentAndBounded(t *testing.T) {
	p := NewPauseSet()
	now := time.Unix(0, 0)
	for i := 0; i < 3; i++ {
		p.Add("clientA", now, 60*time.Second)
	}
	if len(p.clients) != 1 {
		t.Fatalf("repeated Add by same client produced %d entries, want 1", len(p.clients))
	}
	if !p.Active(now) {
		t.Fatal("expected pause active")
	}
	p.Remove("nonexistent") // no-op
	p.Remove("clientA")
	if p.Active(now) {
		t.Fatal("expected pause inactive after removing only client")
	}
}

func TestPauseSetEvictsAllOnExpiry(t *testing.T) {
	p := NewPauseSet()
	now := time.Unix(0, 0)
	p.Add("a", now, 10*time.Second)
	p.Add("b", now, 10*time.Second)
	p.Expire(now.Add(11 * time.Second))
	if p.Active(now.Add(11 * time.Second)) {
		t.Fatal("expected all clients evicted")
	}
	if len(p.clients) != 0 {
		t.Fatalf("clients = %v, want empty", p.clients)
	}
}

func TestPauseSetBoundedAtFive(t *testing.T) {
	p := NewPauseSet()
	now := time.Unix(0, 0)
	for i := 0; i < 8; i++ {
		p.Add(string(rune('a'+i)), now, 60*time.Second)
	}
	if len(p.clients) != maxPauseClients {
		t.Fatalf("clients = %d, want %d", len(p.clients), maxPauseClients)
	}
}
