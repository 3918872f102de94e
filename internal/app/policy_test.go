package app

import "testing"

func TestPolicyByName(t *testing.T) {
	cases := map[string]BackpressureAction{
		"":           Disconnect,
		"disconnect": Disconnect,
		"drop":       DropMessage,
	}
	for name, want := range cases {
		p, err := PolicyByName(name)
		if err != nil {
			t.Fatalf("%q: %v", name, err)
		}
		if got := p.OnBackPressure(nil); got != want {
			t.Fatalf("%q: action=%d want %d", name, got, want)
		}
	}
	if _, err := PolicyByName("ignore"); err == nil {
		t.Fatalf("unknown policy accepted")
	}
}
