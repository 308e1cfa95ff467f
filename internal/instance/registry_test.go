package instance

import "testing"

func TestRegistry_LazyCreate(t *testing.T) {
	r := NewRegistry(testLog)
	r.Configure(ClientConfig{InstanceID: "wx_01", BaseURL: "http://10.0.0.5:5000", APIKey: "k1"})

	c1, ok := r.Get("wx_01")
	if !ok || c1 == nil {
		t.Fatal("configured instance should resolve")
	}
	c2, _ := r.Get("wx_01")
	if c1 != c2 {
		t.Error("repeated Get should return the cached client")
	}

	if _, ok := r.Get("wx_99"); ok {
		t.Error("unknown instance should not resolve")
	}
}

func TestRegistry_ConfigureReplaces(t *testing.T) {
	r := NewRegistry(testLog)
	r.Configure(ClientConfig{InstanceID: "wx_01", BaseURL: "http://10.0.0.5:5000"})
	old, _ := r.Get("wx_01")

	r.Configure(ClientConfig{InstanceID: "wx_01", BaseURL: "http://10.0.0.9:5000"})
	fresh, ok := r.Get("wx_01")
	if !ok {
		t.Fatal("reconfigured instance should resolve")
	}
	if fresh == old {
		t.Error("reconfigure should discard the cached client")
	}
	if fresh.baseURL != "http://10.0.0.9:5000" {
		t.Errorf("baseURL = %q", fresh.baseURL)
	}
}

func TestRegistry_IDsSorted(t *testing.T) {
	r := NewRegistry(testLog)
	for _, id := range []string{"wx_03", "wx_01", "wx_02"} {
		r.Configure(ClientConfig{InstanceID: id, BaseURL: "http://127.0.0.1:5000"})
	}

	ids := r.IDs()
	want := []string{"wx_01", "wx_02", "wx_03"}
	if len(ids) != len(want) {
		t.Fatalf("ids: %v", ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids not sorted: %v", ids)
		}
	}

	if got := len(r.All()); got != 3 {
		t.Fatalf("All() returned %d clients", got)
	}
}
