package engine

import "github.com/sirupsen/logrus"

// FramebufferCache attaches a framebuffer id to each buffer object the
// first time it is locked and reuses the id on later locks. The surface
// cycles through a bounded pool of buffer objects, so without the cache
// every frame would register a fresh framebuffer against the kernel and
// either leak them or thrash the id space.
//
// The cache holds only the device handle, never a display reference, so
// dropping attachments cannot re-enter display teardown.
type FramebufferCache struct {
	dev Device
	fbs map[uint64]FramebufferID
}

func NewFramebufferCache(dev Device) *FramebufferCache {
	return &FramebufferCache{dev: dev, fbs: make(map[uint64]FramebufferID)}
}

// Ensure returns the framebuffer id attached to buf, registering one on
// first sight of the underlying buffer object.
func (c *FramebufferCache) Ensure(buf Buffer) (FramebufferID, error) {
	if fb, ok := c.fbs[buf.Handle()]; ok {
		return fb, nil
	}
	fb, err := c.dev.AddFramebuffer(buf)
	if err != nil {
		return 0, err
	}
	c.fbs[buf.Handle()] = fb
	return fb, nil
}

// DropAll removes every attached framebuffer. Called when the owning
// display destroys its surface, which is the point the buffer objects
// themselves are freed; each id is removed exactly once.
func (c *FramebufferCache) DropAll() {
	for handle, fb := range c.fbs {
		if err := c.dev.RemoveFramebuffer(fb); err != nil {
			logrus.WithError(err).WithField("framebuffer", fb).Warnln("Failed to remove framebuffer")
		}
		delete(c.fbs, handle)
	}
}
