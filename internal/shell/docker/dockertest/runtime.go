// Package dockertest provides an in-memory docker.Client for tests.
//
// Runtime keeps containers, networks, volumes and images in maps guarded by
// one mutex. It reproduces the runtime behaviour the engine depends on:
// name conflicts, not-found errors, anonymous volumes with readable content,
// volumes_from and container network modes, static addresses checked
// against IPAM subnets, and driver lookup. Every mutation is appended to an
// event log, and any operation can be made to fail.
package dockertest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/artpar/flotilla/internal/shell/docker"
)

// =============================================================================
// Runtime State
// =============================================================================

// Container is the stored state of one fake container.
type Container struct {
	ID      string
	Name    string
	Spec    docker.ContainerSpec
	ImageID string
	Running bool
	Paused  bool
	Mounts  []docker.MountPoint
	Created time.Time
}

// Volume is the stored state of one fake volume. Data stands in for the
// files on the volume.
type Volume struct {
	Info      docker.VolumeInfo
	Data      map[string]string
	Anonymous bool
}

// Event records one mutating call.
type Event struct {
	Op     string // e.g. "create", "start", "stop", "network.create"
	Target string // container, network or volume name
}

type fault struct {
	op     string
	target string
	err    error
}

// Runtime is a concurrency-safe in-memory container runtime.
type Runtime struct {
	mu sync.Mutex

	seq        int
	containers map[string]*Container // by id
	networks   map[string]*docker.NetworkInfo
	volumes    map[string]*Volume
	images     map[string]string // reference -> image id

	volumeDrivers  map[string]bool
	networkDrivers map[string]bool

	events []Event
	faults []fault
}

var _ docker.Client = (*Runtime)(nil)

// New returns an empty runtime that knows the local volume driver and the
// builtin network drivers.
func New() *Runtime {
	return &Runtime{
		containers:     make(map[string]*Container),
		networks:       make(map[string]*docker.NetworkInfo),
		volumes:        make(map[string]*Volume),
		images:         make(map[string]string),
		volumeDrivers:  map[string]bool{"local": true},
		networkDrivers: map[string]bool{"bridge": true, "overlay": true, "macvlan": true, "host": true, "null": true},
	}
}

// =============================================================================
// Test Helpers
// =============================================================================

// AddVolumeDriver makes driver a known volume driver.
func (r *Runtime) AddVolumeDriver(driver string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.volumeDrivers[driver] = true
}

// AddImage registers a local image and returns its id.
func (r *Runtime) AddImage(ref string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addImageLocked(ref)
}

// SetImageID points ref at a new image id, as a pull of a newer tag would.
func (r *Runtime) SetImageID(ref, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images[ref] = id
}

// FailOn makes every later op on target fail with err. An empty target
// matches every target. Ops are the event names, e.g. "start" or
// "volume.create".
func (r *Runtime) FailOn(op, target string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults = append(r.faults, fault{op: op, target: target, err: err})
}

// ClearFaults removes every injected failure.
func (r *Runtime) ClearFaults() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults = nil
}

// Events returns a copy of the event log.
func (r *Runtime) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// EventsFor returns the targets of the events with the given op, in order.
func (r *Runtime) EventsFor(op string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Op == op {
			out = append(out, e.Target)
		}
	}
	return out
}

// ResetEvents clears the event log.
func (r *Runtime) ResetEvents() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// Container returns a copy of the container with the given id or name.
func (r *Runtime) Container(ref string) (Container, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.findLocked(ref)
	if c == nil {
		return Container{}, false
	}
	return *c, true
}

// ContainerNames returns the names of every container, sorted.
func (r *Runtime) ContainerNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.containers))
	for _, c := range r.containers {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

// Network returns a copy of the named network.
func (r *Runtime) Network(name string) (docker.NetworkInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.networks[name]
	if !ok {
		return docker.NetworkInfo{}, false
	}
	return *n, true
}

// VolumeNames returns the names of every volume, sorted.
func (r *Runtime) VolumeNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.volumes))
	for name := range r.volumes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WriteVolume stores content under key on the volume mounted at path in the
// given container.
func (r *Runtime) WriteVolume(containerRef, path, key, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	vol, err := r.volumeAtLocked(containerRef, path)
	if err != nil {
		return err
	}
	vol.Data[key] = content
	return nil
}

// ReadVolume reads key from the volume mounted at path in the given container.
func (r *Runtime) ReadVolume(containerRef, path, key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vol, err := r.volumeAtLocked(containerRef, path)
	if err != nil {
		return "", err
	}
	content, ok := vol.Data[key]
	if !ok {
		return "", fmt.Errorf("%s: no such file on volume %s", key, vol.Info.Name)
	}
	return content, nil
}

func (r *Runtime) volumeAtLocked(containerRef, path string) (*Volume, error) {
	c := r.findLocked(containerRef)
	if c == nil {
		return nil, docker.NewDockerError("ReadVolume", "container", containerRef, "container not found", docker.ErrContainerNotFound)
	}
	for _, m := range c.Mounts {
		if m.Destination == path && m.Type == docker.MountTypeVolume {
			if vol, ok := r.volumes[m.Name]; ok {
				return vol, nil
			}
		}
	}
	return nil, fmt.Errorf("no volume mounted at %s in %s", path, c.Name)
}

// =============================================================================
// Internal Helpers
// =============================================================================

func (r *Runtime) nextID(kind string) string {
	r.seq++
	sum := sha256.Sum256([]byte(kind + strconv.Itoa(r.seq)))
	return hex.EncodeToString(sum[:])
}

func (r *Runtime) addImageLocked(ref string) string {
	if id, ok := r.images[ref]; ok {
		return id
	}
	id := "sha256:" + r.nextID("image:"+ref)
	r.images[ref] = id
	return id
}

func (r *Runtime) record(op, target string) {
	r.events = append(r.events, Event{Op: op, Target: target})
}

func (r *Runtime) faultLocked(op string, targets ...string) error {
	for _, f := range r.faults {
		if f.op != op {
			continue
		}
		if f.target == "" {
			return f.err
		}
		for _, t := range targets {
			if t == f.target {
				return f.err
			}
		}
	}
	return nil
}

func (r *Runtime) findLocked(ref string) *Container {
	ref = strings.TrimPrefix(ref, "/")
	if c, ok := r.containers[ref]; ok {
		return c
	}
	for _, c := range r.containers {
		if c.Name == ref {
			return c
		}
	}
	if len(ref) >= 12 {
		for id, c := range r.containers {
			if strings.HasPrefix(id, ref) {
				return c
			}
		}
	}
	return nil
}

func (r *Runtime) containerLocked(op, ref string) (*Container, error) {
	c := r.findLocked(ref)
	if c == nil {
		return nil, docker.NewDockerError(op, "container", ref, "container not found", docker.ErrContainerNotFound)
	}
	if err := r.faultLocked(eventName(op), c.ID, c.Name); err != nil {
		return nil, err
	}
	return c, nil
}

func eventName(op string) string {
	switch op {
	case "CreateContainer":
		return "create"
	case "StartContainer":
		return "start"
	case "StopContainer":
		return "stop"
	case "KillContainer":
		return "kill"
	case "PauseContainer":
		return "pause"
	case "UnpauseContainer":
		return "unpause"
	case "RemoveContainer":
		return "remove"
	case "RenameContainer":
		return "rename"
	case "InspectContainer":
		return "inspect"
	}
	return op
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func matchLabels(labels, filter map[string]string) bool {
	for k, v := range filter {
		if labels[k] != v {
			return false
		}
	}
	return true
}
