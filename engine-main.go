package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Oblong/waypositor/config"
	"github.com/Oblong/waypositor/engine"
	"github.com/Oblong/waypositor/kms"
	"github.com/Oblong/waypositor/protocol"
	"github.com/Oblong/waypositor/render"
)

// How long one event-loop poll waits, and how often we re-check the
// connector topology. There is no udev watcher here; periodic
// reconciliation is what catches hotplug.
const (
	pollInterval      = 16 * time.Millisecond
	reconcileInterval = 2 * time.Second
)

func engineMain(conf *config.Config) {
	if *help {
		engineHelpMessage()
		return
	}

	// The master context binds to whatever thread creates it, and every
	// later make-current on the coordinator has to land on that same
	// thread. Pin it before touching EGL.
	runtime.LockOSThread()

	session, err := kms.OpenSession(conf.DevicePath)
	if err != nil {
		logrus.WithError(err).Fatalln("Opening GPU session failed")
	}
	dev := kms.NewDevice(session)

	bufdev, err := render.NewBufferDevice(session)
	if err != nil {
		session.Close()
		logrus.WithError(err).Fatalln("Creating buffer device failed")
	}
	renderer, err := render.NewRenderer(bufdev)
	if err != nil {
		bufdev.Close()
		session.Close()
		logrus.WithError(err).Fatalln("Initializing EGL failed")
	}

	manager, err := engine.Open(dev, bufdev, renderer)
	if err != nil {
		renderer.Close()
		bufdev.Close()
		session.Close()
		logrus.WithError(err).Fatalln("Opening device manager failed")
	}
	defer manager.Shutdown()

	// The protocol listener is scaffolding for the surrounding
	// compositor; requests are decoded and dropped until a dispatcher
	// plugs in. Running without it is fine (e.g. no XDG_RUNTIME_DIR).
	listener, err := protocol.NewListener(conf.SocketName, func(req protocol.Request) error {
		logrus.WithFields(logrus.Fields{
			"object":  req.ObjectID,
			"opcode":  req.Opcode,
			"payload": len(req.Payload),
		}).Debugln("Protocol request")
		return nil
	})
	if err != nil {
		logrus.WithError(err).Warnln("Protocol listener unavailable")
	} else {
		go listener.Serve()
		defer listener.Close()
		if err := os.Setenv("WAYLAND_DISPLAY", conf.SocketName); err != nil {
			logrus.WithError(err).Warnln("Couldn't export WAYLAND_DISPLAY")
		}
	}

	if err := manager.Reconcile(); err != nil {
		logrus.WithError(err).Fatalln("Initial reconcile failed")
	}
	if manager.DisplayCount() == 0 {
		logrus.Warnln("No connected outputs; waiting for hotplug")
	}

	quit := make(chan struct{}, 1)
	if conf.StartType == config.START_REPL {
		go replRunner(manager, quit)
	}
	if conf.StartCommand != nil {
		spawnStartCommand(*conf.StartCommand)
	}

	logrus.WithField("displays", manager.DisplayCount()).Infoln("Running compositor")
	runEventLoop(manager, quit)
}

// runEventLoop drives the coordinator: page-flip routing, frame pacing,
// periodic hotplug reconciliation and shutdown signals.
func runEventLoop(manager *engine.DeviceManager, quit <-chan struct{}) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	events := manager.Subscribe("main-loop")
	defer manager.Unsubscribe("main-loop")

	hotplug := time.NewTicker(reconcileInterval)
	defer hotplug.Stop()

	for {
		select {
		case <-sig:
			logrus.Infoln("Caught signal, shutting down")
			return
		case <-quit:
			logrus.Infoln("Quit requested, shutting down")
			return
		case ev := <-events:
			switch ev.Kind {
			case engine.EventAttached, engine.EventFrameLatched:
				// Pace rendering off completions: one new frame per
				// latched frame, per display.
				submitFrame(manager, ev.Connector)
			case engine.EventFailed:
				logrus.WithError(ev.Err).WithField("connector", ev.Connector).
					Errorln("Display failed")
			}
		case <-hotplug.C:
			if err := manager.Reconcile(); err != nil {
				logrus.WithError(err).Errorln("Reconcile failed")
			}
		default:
			if err := manager.PollEvents(pollInterval); err != nil {
				logrus.WithError(err).Errorln("Event poll failed")
			}
		}
	}
}

func submitFrame(manager *engine.DeviceManager, conn engine.ConnectorID) {
	manager.ForEachDisplay(func(d *engine.Display) {
		if d.Connector() != conn {
			return
		}
		// Until a scene renderer plugs in, every frame is the neutral
		// grey the mode-set started with.
		err := d.SubmitFrame(func(f *engine.Frame) {
			f.Clear(0.5, 0.5, 0.5)
		})
		if err != nil && !errors.Is(err, engine.ErrFlipBusy) {
			logrus.WithError(err).WithField("connector", conn).Warnln("Frame submission failed")
		}
	})
}

func spawnStartCommand(cmdString string) {
	cmd := exec.Command("/bin/sh", "-c", cmdString)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	go func() {
		if err := cmd.Start(); err != nil {
			logrus.WithError(err).WithField("command", cmdString).Errorln("Start command failed to launch")
			return
		}
		err := cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			logrus.WithError(err).WithFields(logrus.Fields{
				"exit-code": exitErr.ExitCode(),
				"command":   cmdString,
			}).Warningln("Bad command completion")
		}
	}()
}

func engineHelpMessage() {
	fmt.Println("---- Help message for waypositor ----")
	fmt.Println("\nwaypositor takes over a DRM device and presents frames on every connected monitor")
	fmt.Println("\nGeneral flags:")
	fmt.Println("\t-config: Path to the config file. Default is the xdg config location")
	fmt.Println("\t-device: DRM device to drive. Default is \"/dev/dri/card0\"")
	fmt.Println("\t-tool: Start as a tool instead of a compositor")
	fmt.Println("\t-help: Show this help message (or the one for compositor mode if -tool is not set)")
}
