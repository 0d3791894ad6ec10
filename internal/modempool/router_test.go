package modempool

import "testing"

func TestRouterRoutesCheapest(t *testing.T) {
	r := NewRouter()
	a := newFakePoolWorker("alpha", "+41790000001", []string{"+417"}, 0.10)
	b := newFakePoolWorker("bravo", "+41790000002", []string{"+417"}, 0.05)
	r.Add(a)
	r.Add(b)

	w := r.Route("+41791234567")
	if w == nil || w.Identifier() != "bravo" {
		t.Fatalf("routed to %v, want bravo", w)
	}
}

func TestRouterSkipsUnhealthy(t *testing.T) {
	r := NewRouter()
	a := newFakePoolWorker("alpha", "+41790000001", []string{"+417"}, 0.10)
	b := newFakePoolWorker("bravo", "+41790000002", []string{"+417"}, 0.05)
	b.healthy = false
	r.Add(a)
	r.Add(b)

	w := r.Route("+41791234567")
	if w == nil || w.Identifier() != "alpha" {
		t.Fatalf("routed to %v, want alpha", w)
	}

	a.healthy = false
	if w := r.Route("+41791234567"); w != nil {
		t.Errorf("routed to %s with no healthy workers", w.Identifier())
	}
}

func TestRouterProperPrefixOnly(t *testing.T) {
	r := NewRouter()
	a := newFakePoolWorker("alpha", "+41790000001", []string{"+4179"}, 0.10)
	r.Add(a)

	if w := r.Route("+4179"); w != nil {
		t.Error("full number matched as its own prefix")
	}
	if w := r.Route("+41791"); w == nil {
		t.Error("proper prefix not matched")
	}
}

func TestRouterMinimumPrefixLength(t *testing.T) {
	r := NewRouter()
	a := newFakePoolWorker("alpha", "+41790000001", []string{"+4"}, 0.10)
	r.Add(a)

	if w := r.Route("+41"); w == nil {
		t.Error("two character prefix not matched")
	}
	if w := r.Route("+4"); w != nil {
		t.Error("matched with nothing but the full number")
	}
}

func TestRouterTieBreak(t *testing.T) {
	r := NewRouter()
	a := newFakePoolWorker("bravo", "+41790000002", []string{"+417"}, 0.10)
	b := newFakePoolWorker("alpha", "+41790000001", []string{"+417"}, 0.10)
	r.Add(a)
	r.Add(b)

	for i := 0; i < 10; i++ {
		w := r.Route("+41791234567")
		if w == nil || w.Identifier() != "alpha" {
			t.Fatalf("tie break picked %v, want alpha", w)
		}
	}
}

func TestRouterCollectsAcrossPrefixLengths(t *testing.T) {
	r := NewRouter()
	short := newFakePoolWorker("short", "+41790000001", []string{"+41"}, 0.20)
	long := newFakePoolWorker("long", "+41790000002", []string{"+4179"}, 0.30)
	r.Add(short)
	r.Add(long)

	// the cheaper worker wins even though its prefix is shorter
	w := r.Route("+41791112233")
	if w == nil || w.Identifier() != "short" {
		t.Fatalf("routed to %v, want short", w)
	}
}

func TestRouterNoRoute(t *testing.T) {
	r := NewRouter()
	a := newFakePoolWorker("alpha", "+41790000001", []string{"+4179"}, 0.10)
	r.Add(a)

	if w := r.Route("+15551234567"); w != nil {
		t.Errorf("routed to %s for an unserved destination", w.Identifier())
	}
}
