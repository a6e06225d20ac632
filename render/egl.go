package render

/*
#cgo CFLAGS: -DMESA_EGL_NO_X11_HEADERS -DEGL_NO_X11
#cgo LDFLAGS: -lEGL -lGLESv2
#include <EGL/egl.h>
#include <EGL/eglext.h>
#include <GLES3/gl3.h>

// The GBM platform entry point is an extension; resolve it through
// eglGetProcAddress like everyone else.
static EGLDisplay waypositorPlatformDisplay(void *gbm) {
	PFNEGLGETPLATFORMDISPLAYEXTPROC get_platform_display =
		(PFNEGLGETPLATFORMDISPLAYEXTPROC)eglGetProcAddress("eglGetPlatformDisplayEXT");
	if (get_platform_display == NULL) return EGL_NO_DISPLAY;
	return get_platform_display(EGL_PLATFORM_GBM_KHR, gbm, NULL);
}
*/
import "C"

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/Oblong/waypositor/engine"
)

func eglErr(what string) error {
	return fmt.Errorf("%s: egl error 0x%x", what, uint32(C.eglGetError()))
}

// contextAttribs requests an OpenGL ES 3 context.
var contextAttribs = []C.EGLint{
	C.EGL_CONTEXT_CLIENT_VERSION, 3,
	C.EGL_NONE,
}

// Renderer implements engine.Renderer: an EGL display platform-bound to
// the GBM device, plus the config every context here shares.
type Renderer struct {
	log    *logrus.Entry
	dpy    C.EGLDisplay
	config C.EGLConfig
}

// NewRenderer resolves the platform-display extension, initializes EGL
// against the GBM device and picks the window-surface config: ES 3,
// 8-8-8-0 RGB.
func NewRenderer(bufdev *BufferDevice) (*Renderer, error) {
	log := logrus.WithField("component", "egl")

	dpy := C.waypositorPlatformDisplay(bufdev.Native())
	if dpy == C.EGLDisplay(C.EGL_NO_DISPLAY) {
		return nil, fmt.Errorf("%w: no GBM platform display", engine.ErrNoEglDisplay)
	}
	var major, minor C.EGLint
	if C.eglInitialize(dpy, &major, &minor) == C.EGL_FALSE {
		return nil, fmt.Errorf("%w: %v", engine.ErrNoEglDisplay, eglErr("eglInitialize"))
	}

	log.WithFields(logrus.Fields{
		"version": C.GoString(C.eglQueryString(dpy, C.EGL_VERSION)),
		"vendor":  C.GoString(C.eglQueryString(dpy, C.EGL_VENDOR)),
	}).Infoln("EGL initialized")
	log.WithField("extensions", C.GoString(C.eglQueryString(dpy, C.EGL_EXTENSIONS))).
		Debugln("EGL extensions")

	configAttribs := []C.EGLint{
		C.EGL_SURFACE_TYPE, C.EGL_WINDOW_BIT,
		C.EGL_RED_SIZE, 8,
		C.EGL_GREEN_SIZE, 8,
		C.EGL_BLUE_SIZE, 8,
		C.EGL_ALPHA_SIZE, 0,
		C.EGL_RENDERABLE_TYPE, C.EGL_OPENGL_ES3_BIT,
		C.EGL_NONE,
	}
	var (
		config C.EGLConfig
		count  C.EGLint
	)
	if C.eglChooseConfig(dpy, &configAttribs[0], &config, 1, &count) == C.EGL_FALSE || count != 1 {
		C.eglTerminate(dpy)
		return nil, fmt.Errorf("%w: no matching EGL config", engine.ErrNoEglDisplay)
	}

	return &Renderer{log: log, dpy: dpy, config: config}, nil
}

// NewMasterContext creates the surfaceless share-root context and makes it
// current on the calling thread. Every display context shares its
// texture/buffer namespace.
func (r *Renderer) NewMasterContext() (engine.MasterContext, error) {
	if C.eglBindAPI(C.EGL_OPENGL_ES_API) == C.EGL_FALSE {
		return nil, fmt.Errorf("%w: %v", engine.ErrNoMasterContext, eglErr("eglBindAPI"))
	}
	ctx := C.eglCreateContext(r.dpy, r.config, C.EGLContext(C.EGL_NO_CONTEXT), &contextAttribs[0])
	if ctx == C.EGLContext(C.EGL_NO_CONTEXT) {
		return nil, fmt.Errorf("%w: %v", engine.ErrNoMasterContext, eglErr("eglCreateContext"))
	}
	if C.eglMakeCurrent(r.dpy,
		C.EGLSurface(C.EGL_NO_SURFACE), C.EGLSurface(C.EGL_NO_SURFACE), ctx) == C.EGL_FALSE {
		C.eglDestroyContext(r.dpy, ctx)
		return nil, fmt.Errorf("%w: %v", engine.ErrNoMasterContext, eglErr("eglMakeCurrent"))
	}
	return &MasterContext{renderer: r, ctx: ctx}, nil
}

func (r *Renderer) Close() {
	C.eglTerminate(r.dpy)
}

// MasterContext is the surfaceless share root.
type MasterContext struct {
	renderer *Renderer
	ctx      C.EGLContext
}

// NewDisplayContext creates a context + window surface over a GBM surface,
// sharing with the master, and makes it current. It must run on the worker
// thread that will own the display, with nothing current there yet: EGL
// current-context state is thread-local, and this context stays pinned to
// that thread until Release.
func (m *MasterContext) NewDisplayContext(surf engine.Surface) (engine.DisplayContext, error) {
	gbmSurf, ok := surf.(*Surface)
	if !ok {
		return nil, errors.New("surface does not come from the GBM buffer device")
	}
	if C.eglGetCurrentContext() != C.EGLContext(C.EGL_NO_CONTEXT) {
		return nil, errors.New("calling thread already has a current context")
	}

	r := m.renderer
	if C.eglBindAPI(C.EGL_OPENGL_ES_API) == C.EGL_FALSE {
		return nil, eglErr("eglBindAPI")
	}
	ctx := C.eglCreateContext(r.dpy, r.config, m.ctx, &contextAttribs[0])
	if ctx == C.EGLContext(C.EGL_NO_CONTEXT) {
		return nil, eglErr("eglCreateContext")
	}
	esurf := C.eglCreateWindowSurface(r.dpy, r.config,
		C.EGLNativeWindowType(unsafe.Pointer(gbmSurf.surf)), nil)
	if esurf == C.EGLSurface(C.EGL_NO_SURFACE) {
		C.eglDestroyContext(r.dpy, ctx)
		return nil, eglErr("eglCreateWindowSurface")
	}
	if C.eglMakeCurrent(r.dpy, esurf, esurf, ctx) == C.EGL_FALSE {
		C.eglDestroySurface(r.dpy, esurf)
		C.eglDestroyContext(r.dpy, ctx)
		return nil, eglErr("eglMakeCurrent")
	}
	return &DisplayContext{renderer: r, ctx: ctx, surf: esurf}, nil
}

// Release unbinds and destroys the master context. Call only after every
// display context is gone.
func (m *MasterContext) Release() {
	r := m.renderer
	C.eglMakeCurrent(r.dpy,
		C.EGLSurface(C.EGL_NO_SURFACE), C.EGLSurface(C.EGL_NO_SURFACE),
		C.EGLContext(C.EGL_NO_CONTEXT))
	C.eglDestroyContext(r.dpy, m.ctx)
}

// DisplayContext is a per-display ES 3 context + window surface, pinned to
// the thread that created it.
type DisplayContext struct {
	renderer *Renderer
	ctx      C.EGLContext
	surf     C.EGLSurface
}

func (d *DisplayContext) Clear(r, g, b float32) {
	C.glClearColor(C.GLfloat(r), C.GLfloat(g), C.GLfloat(b), 1.0)
	C.glClear(C.GL_COLOR_BUFFER_BIT)
}

func (d *DisplayContext) SwapBuffers() error {
	if C.eglSwapBuffers(d.renderer.dpy, d.surf) == C.EGL_FALSE {
		return eglErr("eglSwapBuffers")
	}
	return nil
}

// Release leaves the thread's current-context state well defined: unbind
// first, then destroy context and surface.
func (d *DisplayContext) Release() {
	r := d.renderer
	C.eglMakeCurrent(r.dpy,
		C.EGLSurface(C.EGL_NO_SURFACE), C.EGLSurface(C.EGL_NO_SURFACE),
		C.EGLContext(C.EGL_NO_CONTEXT))
	C.eglDestroyContext(r.dpy, d.ctx)
	C.eglDestroySurface(r.dpy, d.surf)
}
