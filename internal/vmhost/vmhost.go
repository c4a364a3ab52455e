// Package vmhost defines the VM object boundary: the set of
// operations the restore engine needs from a running compartmentalized
// OS, modeled as a Go interface so the core restore logic never knows
// which hypervisor/admin-API backend is behind it.
//
// Grounded on the vmm.VMM interface (internal/vmm/vmm.go):
// the same "core never assumes a concrete backend" seam, here narrowed
// from full VM lifecycle management (create/start/stop/pause) to the
// handful of property/storage/device operations a restore needs.
package vmhost

import (
	"context"
	"io"
)

// Class is a VM's class within the compartmentalized OS's admin model.
type Class string

const (
	ClassAdminVM     Class = "AdminVM"     // dom0
	ClassTemplateVM  Class = "TemplateVM"
	ClassAppVM       Class = "AppVM"
	ClassDispVM      Class = "DispVM"
	ClassStandaloneVM Class = "StandaloneVM"
)

// VolumeKind identifies which storage volume of a VM a stream targets.
type VolumeKind string

const (
	VolumePrivate VolumeKind = "private"
	VolumeRoot    VolumeKind = "root"
	VolumeKernel  VolumeKind = "kernel"
	VolumeVolatile VolumeKind = "volatile"
)

// DeviceAssignment records a device (PCI, USB, block...) attached to a
// VM, carried verbatim from the catalog into vmhost.AttachDevice.
type DeviceAssignment struct {
	Backend    string // e.g. "pci", "usb", "block"
	Ident      string
	FrontendArgs map[string]string
	RequiredBy []string
}

// Host is the VM object boundary. Every call that mutates persistent
// admin state returns an error a caller can classify with
// internal/rerror.
type Host interface {
	// Exists reports whether a VM with this name is already known to
	// the admin API (conflict detection).
	Exists(ctx context.Context, name string) (bool, error)

	// Create provisions a new VM of the given class. template and
	// label may be empty where the class doesn't use them (dom0).
	Create(ctx context.Context, name string, class Class, template, label string) error

	// Destroy removes a VM the orchestrator itself created, used only
	// during rollback ("destroy only VMs orchestrator itself created").
	Destroy(ctx context.Context, name string) error

	// SetProperty sets a single admin property (netvm, kernel,
	// memory, ...).
	SetProperty(ctx context.Context, name, key, value string) error

	// SetFeature sets a feature flag/value on a VM.
	SetFeature(ctx context.Context, name, key, value string) error

	// AddTag adds a tag to a VM.
	AddTag(ctx context.Context, name, tag string) error

	// AttachDevice assigns a device to a VM.
	AttachDevice(ctx context.Context, name string, dev DeviceAssignment) error

	// OpenVolume returns a writer for the given volume, optionally
	// resized first when sizeHint is non-zero (size-aware import when
	// the size is known up front).
	OpenVolume(ctx context.Context, name string, kind VolumeKind, sizeHint int64) (io.WriteCloser, error)

	// SetFirewall replaces a VM's firewall rule list.
	SetFirewall(ctx context.Context, name string, rules []FirewallRule) error

	// SetNotes sets a VM's free-text notes field.
	SetNotes(ctx context.Context, name string, notes string) error

	// ResolveUser resolves a dom0 username to a uid/gid pair, used by
	// handle_dom0_home's ownership fix-up. A failure here is always
	// fatal (dom0 home must not be silently restored under an
	// unverified identity; see DESIGN.md Open Question 2).
	ResolveUser(ctx context.Context, username string) (uid, gid int, err error)

	// HomeDir returns the home directory to restore dom0-home into.
	HomeDir(ctx context.Context, username string) (string, error)
}

// FirewallRule is one parsed rule from a VM's firewall.xml member
// (the handle_firewall consumer).
type FirewallRule struct {
	Action      string // "accept" | "drop"
	Proto       string // "", "tcp", "udp", "icmp"
	DstHost     string
	DstPorts    string
	Expire      string
	Comment     string
}
