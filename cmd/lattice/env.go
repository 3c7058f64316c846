package main

import (
	"os"
	"strconv"
	"strings"

	"github.com/cuemby/lattice/pkg/config"
	"github.com/cuemby/lattice/pkg/docstore"
	"github.com/cuemby/lattice/pkg/harness"
)

// resolveContainerFlag translates the CLI's --container string into a
// config.Container ("" inherits, "false" uncontained, "true" uses the
// function's declared image, anything else is the image), and reports
// whether that resolution will need a live container runtime. nil means
// "no opinion" (inherit the enclosing frame).
func resolveContainerFlag(raw string) (c *config.Container, needsRuntime bool) {
	switch raw {
	case "":
		return nil, false
	case "false":
		return &config.Container{Mode: config.ContainerNone}, false
	case "true":
		return &config.Container{Mode: config.ContainerUseDeclared}, true
	default:
		return &config.Container{Mode: config.ContainerImage, Image: raw}, true
	}
}

// numWorkersFromEnv reads NUM_WORKERS, the thread-count hint propagated
// into harness-spawned runners. Defaults to 1 when unset or unparsable.
func numWorkersFromEnv() int {
	raw := os.Getenv(harness.EnvNumWorkers)
	if raw == "" {
		return 1
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 1
	}
	return n
}

// useSingularityFromEnv reads USE_SINGULARITY, which switches the
// harness's container path from containerd to the singularity CLI.
func useSingularityFromEnv() bool {
	return os.Getenv(harness.EnvUseSingularity) == "1"
}

// docStoreDirFromEnv reads DOC_STORE_URL, falling back to the given
// default directory when unset.
func docStoreDirFromEnv(fallback string) string {
	raw := os.Getenv(docstore.EnvDocStoreURL)
	if raw == "" {
		return fallback
	}
	return strings.TrimPrefix(raw, "file://")
}
