// Package cgroups confines the runner under a cgroup with CPU and memory
// limits. Confinement is best effort: if the hierarchy cannot be written
// the runner still starts, unconfined.
package cgroups

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Root is the standard cgroup mount point.
const Root = "/sys/fs/cgroup"

// ErrUnsupported is returned on hosts without the unified (v2) hierarchy.
var ErrUnsupported = errors.New("cgroup v2 hierarchy not available")

// Limits are the controls written to a group. Zero values are left alone.
type Limits struct {
	CPUMax    string // cpu.max, "quota period" or "max"
	CPUWeight int    // cpu.weight, 1-10000
	MemoryMax int64  // memory.max in bytes
}

// IsZero reports whether no limit is set.
func (l Limits) IsZero() bool {
	return l.CPUMax == "" && l.CPUWeight == 0 && l.MemoryMax == 0
}

// Validate rejects values the kernel would refuse.
func (l Limits) Validate() error {
	if l.CPUWeight < 0 || l.CPUWeight > 10000 {
		return fmt.Errorf("invalid cpu weight: %d (must be 1-10000)", l.CPUWeight)
	}
	if l.MemoryMax < 0 {
		return fmt.Errorf("invalid memory limit: %d", l.MemoryMax)
	}
	if l.CPUMax != "" && l.CPUMax != "max" {
		fields := strings.Fields(l.CPUMax)
		if len(fields) < 1 || len(fields) > 2 {
			return fmt.Errorf("invalid cpu.max %q", l.CPUMax)
		}
		for _, f := range fields {
			if f == "max" {
				continue
			}
			if n, err := strconv.ParseInt(f, 10, 64); err != nil || n <= 0 {
				return fmt.Errorf("invalid cpu.max %q", l.CPUMax)
			}
		}
	}
	return nil
}

// Manager creates groups under a cgroup v2 mount.
type Manager struct {
	root string
}

// New returns a manager for the system hierarchy.
func New() *Manager {
	return NewAt(Root)
}

// NewAt returns a manager rooted at root.
func NewAt(root string) *Manager {
	return &Manager{root: root}
}

// Supported reports whether root is a cgroup v2 mount.
func (m *Manager) Supported() bool {
	_, err := os.Stat(filepath.Join(m.root, "cgroup.controllers"))
	return err == nil
}

// Group is a created cgroup.
type Group struct {
	Path string
}

// Ensure creates name under the root and applies limits. Existing groups
// are reused and their limits rewritten.
func (m *Manager) Ensure(name string, limits Limits) (*Group, error) {
	if !m.Supported() {
		return nil, ErrUnsupported
	}
	if name == "" || strings.Contains(name, "..") || filepath.IsAbs(name) {
		return nil, fmt.Errorf("invalid cgroup name %q", name)
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	path := filepath.Join(m.root, name)
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("create cgroup %s: %w", path, err)
	}
	g := &Group{Path: path}

	writes := map[string]string{}
	if limits.CPUMax != "" {
		writes["cpu.max"] = limits.CPUMax
	}
	if limits.CPUWeight > 0 {
		writes["cpu.weight"] = strconv.Itoa(limits.CPUWeight)
	}
	if limits.MemoryMax > 0 {
		writes["memory.max"] = strconv.FormatInt(limits.MemoryMax, 10)
	}
	for file, value := range writes {
		if err := os.WriteFile(filepath.Join(path, file), []byte(value), 0644); err != nil {
			return g, fmt.Errorf("write %s: %w", file, err)
		}
	}
	return g, nil
}

// Confine moves pid into the group. Children forked afterwards, and
// images exec'd in place, stay in it.
func (g *Group) Confine(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid: %d", pid)
	}
	return os.WriteFile(filepath.Join(g.Path, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0644)
}

// Delete removes the group. The kernel refuses while it has members.
func (g *Group) Delete() error {
	return os.Remove(g.Path)
}
