package sandbox

import (
	"fmt"
	"strconv"

	"github.com/docker/go-units"
)

// Policy defines the image and resource ceilings for sandbox execution.
type Policy struct {
	Image     string // image providing gcc, g++, javac and java
	CPUs      string // Docker --cpus value (e.g. "1")
	Memory    string // Docker --memory value (e.g. "256MB")
	Network   bool   // whether network access is allowed
	PidsLimit int64  // process ceiling inside the sandbox
}

// DefaultPolicy returns the defaults used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		Image:     "eidoriantan/kodit-program:latest",
		CPUs:      "1",
		Memory:    "256MB",
		Network:   false,
		PidsLimit: 64,
	}
}

// NanoCPUs converts CPUs to the Engine API representation.
func (p Policy) NanoCPUs() (int64, error) {
	cpus, err := strconv.ParseFloat(p.CPUs, 64)
	if err != nil || cpus <= 0 {
		return 0, fmt.Errorf("invalid cpu limit %q", p.CPUs)
	}
	return int64(cpus * 1e9), nil
}

// MemoryBytes parses Memory using Docker's unit rules.
func (p Policy) MemoryBytes() (int64, error) {
	n, err := units.RAMInBytes(p.Memory)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid memory limit %q", p.Memory)
	}
	return n, nil
}

// Validate checks that every ceiling is usable.
func (p Policy) Validate() error {
	if p.Image == "" {
		return fmt.Errorf("sandbox image is required")
	}
	if _, err := p.NanoCPUs(); err != nil {
		return err
	}
	if _, err := p.MemoryBytes(); err != nil {
		return err
	}
	return nil
}
