package picolog

import (
	"log"
	"os"
	"time"
)

// Portnumbers structs can contain all TCP port numbers used by picolog.
type Portnumbers struct {
	RPC    int
	Status int
}

// Ports globally holds all TCP port numbers used by picolog.
var Ports Portnumbers

func setPortnumbers(base int) {
	Ports.RPC = base
	Ports.Status = base + 1
}

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Date    string
	Host    string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.9.0",
	Githash: "no git hash computed",
	Date:    "no build date computed",
}

// PicologStartTime is a global holding the time init() was run
var PicologStartTime time.Time

// ProblemLogger will log warning messages to a file
var ProblemLogger *log.Logger

// UpdateLogger will log operational updates to a file
var UpdateLogger *log.Logger

func init() {
	setPortnumbers(5600)
	PicologStartTime = time.Now()

	if host, err := os.Hostname(); err == nil {
		Build.Host = host
	} else {
		Build.Host = "host not detected"
	}

	// The picolog main program will override these, but at least
	// initialize with sensible values.
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
	UpdateLogger = log.New(os.Stderr, "", log.LstdFlags)
}
