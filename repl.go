package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Oblong/waypositor/engine"
	"github.com/Oblong/waypositor/repl"
	"github.com/Oblong/waypositor/util"
	"github.com/Oblong/waypositor/util/wrappers"
)

func replRunner(manager *engine.DeviceManager, quit chan<- struct{}) {
	// Give the repl wrappers around stdin and stdout so that it closes
	// those instead of stdin & stdout themselves
	commandRepl := repl.NewRepl(wrappers.NewReaderWrapper(os.Stdin), wrappers.NewWriterWrapper(os.Stdout))
	logrus.Debugln("Starting repl")
	_ = commandRepl.Run(func(input string, r *repl.Repl) (string, error) {
		if cmdString, ok := strings.CutPrefix(input, "run "); ok {
			return replRun(cmdString, r)
		} else if input == "quit" {
			quit <- struct{}{}
			return "Quitting", errors.New("normal stop")
		} else if input == "outputs" {
			return replOutputs(manager), nil
		} else if rest, ok := strings.CutPrefix(input, "state "); ok {
			return replState(manager, rest), nil
		} else if input == "help" || input == "?" {
			return "Commands: outputs, state <connector>, run <cmd>, quit", nil
		}
		return "Unknown command", nil
	})
}

// replRun spawns a client process with its output wired to the repl.
func replRun(cmdString string, r *repl.Repl) (string, error) {
	parts := strings.Split(cmdString, " ")
	// Safe for a bare "run ": cmd.Start will just fail with the No
	// Command error.
	cmd := exec.Command(parts[0], parts[1:]...)
	cmd.Stdout = r.Output
	cmd.Stderr = r.Output
	go func(cmd *exec.Cmd, cmdString string) {
		err := cmd.Start()
		if err != nil {
			logrus.WithError(err).WithField("command", cmdString).Errorln("Command failed to start")
			return
		}
		err = cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			logrus.WithError(err).WithFields(logrus.Fields{
				"exit-code": exitErr.ExitCode(),
				"command":   cmdString,
			}).Warningln("Bad command completion")
		}
	}(cmd, cmdString)
	return "Running " + parts[0], nil
}

func replOutputs(manager *engine.DeviceManager) string {
	var lines []string
	manager.ForEachDisplay(func(d *engine.Display) {
		mode := d.Mode()
		lines = append(lines, fmt.Sprintf(
			"connector %d: crtc %d, %dx%d@%d, %s",
			d.Connector(), d.Crtc(), mode.Width, mode.Height, mode.Refresh, d.State(),
		))
	})
	if len(lines) == 0 {
		return "No displays attached"
	}
	return strings.Join(lines, "\n")
}

func replState(manager *engine.DeviceManager, args string) string {
	// Can't unpack slices directly like in Python, so do it this
	// roundabout way
	var target, rest string
	util.Unpack(strings.SplitN(strings.TrimSpace(args), " ", 2), &target, &rest)
	id, err := strconv.ParseUint(target, 10, 32)
	if err != nil {
		return "Usage: state <connector-id>"
	}
	result := fmt.Sprintf("Connector %d: no display", id)
	manager.ForEachDisplay(func(d *engine.Display) {
		if uint64(d.Connector()) == id {
			result = fmt.Sprintf("Connector %d: %s", id, d.State())
		}
	})
	return result
}
