package engine

import "testing"

func TestFramebufferCacheReusesIds(t *testing.T) {
	dev := newFakeDevice([]CrtcID{10})
	cache := NewFramebufferCache(dev)
	buf := &fakeBuffer{handle: 42, locked: true, dev: dev}

	first, err := cache.Ensure(buf)
	if err != nil {
		t.Fatalf("Ensure failed: %s", err)
	}
	second, err := cache.Ensure(buf)
	if err != nil {
		t.Fatalf("Second Ensure failed: %s", err)
	}
	if first != second {
		t.Errorf("Same buffer got two framebuffers: %d and %d", first, second)
	}
	if dev.fbAdds != 1 {
		t.Errorf("Expected 1 framebuffer registration, got %d", dev.fbAdds)
	}
}

func TestFramebufferCacheDropsOnce(t *testing.T) {
	dev := newFakeDevice([]CrtcID{10})
	cache := NewFramebufferCache(dev)

	a := &fakeBuffer{handle: 1, locked: true, dev: dev}
	b := &fakeBuffer{handle: 2, locked: true, dev: dev}
	if _, err := cache.Ensure(a); err != nil {
		t.Fatalf("Ensure failed: %s", err)
	}
	if _, err := cache.Ensure(b); err != nil {
		t.Fatalf("Ensure failed: %s", err)
	}

	cache.DropAll()
	cache.DropAll() // second pass must be a no-op

	if len(dev.fbOwners) != 0 {
		t.Errorf("Framebuffers left registered: %v", dev.fbOwners)
	}
	for _, v := range dev.violations {
		t.Errorf("Backend invariant violated: %s", v)
	}
}
