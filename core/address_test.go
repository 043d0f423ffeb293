package core

import (
	"reflect"
	"testing"
)

func TestParseAddress(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		a, err := ParseAddress("tcp://localhost:5555/3")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := Address{Host: "localhost", Port: 5555, Index: 3}
		if a != want {
			t.Errorf("got %+v, want %+v", a, want)
		}
		if got := a.String(); got != "tcp://localhost:5555/3" {
			t.Errorf("String() = %q", got)
		}
		if got := a.HostPort(); got != "localhost:5555" {
			t.Errorf("HostPort() = %q", got)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		bad := []string{
			"localhost:5555/0",
			"tcp://localhost:5555",
			"tcp://:5555/0",
			"tcp://localhost:port/0",
			"tcp://localhost:5555/x",
			"tcp://localhost:5555/-1",
		}
		for _, s := range bad {
			if _, err := ParseAddress(s); err == nil {
				t.Errorf("ParseAddress(%q) succeeded, want error", s)
			}
		}
	})
}

func TestManagerAddr(t *testing.T) {
	got, err := ManagerAddr("tcp://node1:18000/7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "tcp://node1:18000/0" {
		t.Errorf("got %q", got)
	}
	if _, err := ManagerAddr("bogus"); err == nil {
		t.Error("expected error for bogus address")
	}
}

func TestSortAddrs(t *testing.T) {
	addrs := []string{
		"tcp://bnode:5555/0",
		"tcp://anode:18000/0",
		"tcp://anode:5555/1",
		"tcp://anode:5555/0",
		"tcp://bnode:5555/1",
		"tcp://anode:18000/1",
	}
	SortAddrs(addrs)
	want := []string{
		"tcp://anode:5555/0",
		"tcp://anode:5555/1",
		"tcp://anode:18000/0",
		"tcp://anode:18000/1",
		"tcp://bnode:5555/0",
		"tcp://bnode:5555/1",
	}
	if !reflect.DeepEqual(addrs, want) {
		t.Errorf("got %v, want %v", addrs, want)
	}
}

func TestSortAddrsNumericPorts(t *testing.T) {
	// Port 10000 sorts after 9999 even though it is textually smaller.
	addrs := []string{"tcp://h:10000/0", "tcp://h:9999/0"}
	SortAddrs(addrs)
	if addrs[0] != "tcp://h:9999/0" {
		t.Errorf("got %v", addrs)
	}
}

func TestSplitAddrs(t *testing.T) {
	addrs := []string{
		"tcp://a:1/0",
		"tcp://a:1/1",
		"tcp://a:2/0",
		"tcp://b:1/0",
	}
	split, err := SplitAddrs(addrs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(split) != 2 {
		t.Fatalf("got %d hosts, want 2", len(split))
	}
	if got := split["a"][1]; !reflect.DeepEqual(got, []string{"tcp://a:1/0", "tcp://a:1/1"}) {
		t.Errorf("a:1 bucket = %v", got)
	}
	if got := split["b"][1]; !reflect.DeepEqual(got, []string{"tcp://b:1/0"}) {
		t.Errorf("b:1 bucket = %v", got)
	}

	if _, err := SplitAddrs([]string{"nope"}); err == nil {
		t.Error("expected error for unparseable address")
	}
}
