package toolmanager

import "testing"

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	r.Register(Tool{Name: "echo", Description: "echoes input"})
	tool, ok := r.Lookup("echo")
	if !ok || tool.Description != "echoes input" {
		t.Fatalf("lookup returned %+v, %v", tool, ok)
	}
	if _, ok := r.Lookup("missing"); ok {
		t.Fatal("expected lookup miss for unregistered tool")
	}
}

func TestListIsSortedByName(t *testing.T) {
	r := NewRegistry()
	r.Register(Tool{Name: "zeta"})
	r.Register(Tool{Name: "alpha"})
	r.Register(Tool{Name: "mid"})

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].Name > list[i].Name {
			t.Fatalf("list not sorted: %+v", list)
		}
	}
}

func TestRegisterReplacesExisting(t *testing.T) {
	r := NewRegistry()
	r.Register(Tool{Name: "echo", Description: "v1"})
	r.Register(Tool{Name: "echo", Description: "v2"})
	tool, _ := r.Lookup("echo")
	if tool.Description != "v2" {
		t.Fatalf("expected replacement to stick, got %q", tool.Description)
	}
}
