package main

import (
	"os"
)

// BuildVersion is overridden at build time via ldflags.
var BuildVersion = "v0.1.0"

func main() {
	os.Exit(execute(os.Args[1:]))
}
