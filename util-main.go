package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gitlab.com/mstarongitlab/goutils/sliceutils"

	"github.com/Oblong/waypositor/common/ipc"
	"github.com/Oblong/waypositor/config"
	"github.com/Oblong/waypositor/engine"
	"github.com/Oblong/waypositor/kms"
)

var (
	utilAction *string = flag.String(
		"action",
		"outputs",
		"The action to perform. Can be one of:"+
			"\n\t- outputs: List available outputs"+
			"\n\t- modes: List available modes for an output. Use with -connector",
	)
	outputSelection *uint = flag.Uint(
		"connector",
		0,
		"Connector id to perform the action on. Required for some actions",
	)
	jsonOutput *bool = flag.Bool(
		"json",
		false,
		"Emit the result as JSON instead of plain text",
	)
)

func utilMain(conf *config.Config) {
	if *help {
		utilHelpMessage()
		return
	}

	// Tool mode inspects the device without taking the master lease, so
	// it works next to a running compositor.
	snap, err := kms.Inspect(conf.DevicePath)
	if err != nil {
		logrus.WithError(err).Fatalln("Inspecting device failed")
	}

	switch *utilAction {
	case "outputs":
		utilListOutputs(snap)
	case "modes":
		if *outputSelection == 0 {
			fmt.Println("Connector has to be specified")
			return
		}
		utilListOutputModes(snap, engine.ConnectorID(*outputSelection))
	default:
		utilHelpMessage()
	}
}

func utilHelpMessage() {
	fmt.Println("---- Help message for waypositor in tool mode ----")
	fmt.Println("\nIn tool mode, waypositor will offer various tools for figuring out configurations and similar")
	fmt.Println("\nGeneral flags:")
	fmt.Println("\t-config: Path to the config file. Default is the xdg config location")
	fmt.Println("\t-device: DRM device to inspect. Default is \"/dev/dri/card0\"")
	fmt.Println("\t-tool: Start as a tool instead of a compositor")
	fmt.Println("\t-help: Show this help message (or the one for compositor mode if -tool is not set)")
	fmt.Println("\nTool flags:")
	fmt.Println("\t-action: The action to perform. Can be one of:")
	fmt.Println("\t\t- (default) outputs: List available outputs")
	fmt.Println("\t\t- modes: List available modes for an output. Use with -connector")
	fmt.Println("\t-connector: Connector id to perform the action on. Required for -action modes")
	fmt.Println("\t-json: Emit the result as JSON instead of plain text")
}

func utilListOutputs(snap *engine.Snapshot) {
	resp := ipc.OutputResponse{}
	for _, conn := range snap.Connectors() {
		resp.Outputs = append(resp.Outputs, ipc.Output{
			Connector: uint32(conn.ID),
			Connected: conn.Connected,
		})
	}
	resp.OutputsFound = len(resp.Outputs)

	if *jsonOutput {
		_ = json.NewEncoder(os.Stdout).Encode(resp)
		return
	}
	for i, output := range resp.Outputs {
		state := "disconnected"
		if output.Connected {
			state = "connected"
		}
		fmt.Printf("Output %v: connector %d (%s)\n", i, output.Connector, state)
	}
}

func utilListOutputModes(snap *engine.Snapshot, id engine.ConnectorID) {
	filtered := sliceutils.Filter(snap.Connectors(), func(conn engine.ConnectorInfo) bool {
		return conn.ID == id
	})
	if len(filtered) == 0 {
		fmt.Printf("Connector %d not found\n", id)
		return
	}
	conn := filtered[0]

	if *jsonOutput {
		out := ipc.Output{Connector: uint32(conn.ID), Connected: conn.Connected}
		for _, mode := range conn.Modes {
			out.Modes = append(out.Modes, ipc.OutputMode{
				Width:       int(mode.Width),
				Height:      int(mode.Height),
				RefreshRate: int(mode.Refresh),
				Preferred:   mode.Preferred,
				Name:        mode.Name,
			})
		}
		_ = json.NewEncoder(os.Stdout).Encode(ipc.OutputResponse{
			Outputs:      []ipc.Output{out},
			OutputsFound: 1,
		})
		return
	}

	fmt.Printf("Modes for connector %d:\n", conn.ID)
	for _, mode := range conn.Modes {
		if mode.Preferred {
			fmt.Printf("\t- %dx%d@%d (preferred)\n", mode.Width, mode.Height, mode.Refresh)
		} else {
			fmt.Printf("\t- %dx%d@%d\n", mode.Width, mode.Height, mode.Refresh)
		}
	}
}
