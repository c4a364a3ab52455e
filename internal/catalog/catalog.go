// Package catalog parses the inner qubes.xml member into the backup
// catalog: a mapping from VM name to VM record.
//
// Grounded on internal/kit/manifest.go's parse-then-
// validate-required-fields shape (there applied to a YAML kit
// manifest); the same "unmarshal, then run invariant checks as a
// separate pass" structure is used here for XML. encoding/xml is an
// explicitly justified standard-library exception: no XML parsing
// library appears anywhere in the reference corpus.
package catalog

import (
	"encoding/xml"
	"fmt"

	"github.com/outpostvm/qvrestore/internal/rerror"
)

// Class mirrors vmhost.Class; duplicated here (rather than imported)
// because the catalog is parsed before any vmhost.Host is known and
// should not depend on the backend-interface package.
type Class string

const (
	ClassAdminVM      Class = "AdminVM"
	ClassTemplateVM   Class = "TemplateVM"
	ClassAppVM        Class = "AppVM"
	ClassDispVM       Class = "DispVM"
	ClassStandaloneVM Class = "StandaloneVM"
)

// Device is one device assignment, indexed by bus then (backend, port).
type Device struct {
	Bus        string
	Backend    string
	Port       string
	FrontendArgs map[string]string
	RequiredBy []string
}

// VM is one catalog record.
type VM struct {
	Name         string
	Class        Class
	Label        string
	Template     string // parent template name, empty if none
	Properties   map[string]string
	Features     map[string]string
	Tags         map[string]bool
	Devices      []Device
	BackupPath   string // backup-relative path; empty means not included
	Size         int64
}

// Catalog is the parsed qubes.xml: every VM record keyed by name.
type Catalog struct {
	VMs map[string]*VM
}

// --- wire shapes: these mirror qubes.xml's structure closely enough
// to unmarshal, then get normalized into the VM/Catalog types above.

type xmlQubes struct {
	XMLName xml.Name    `xml:"qubes"`
	Labels  []xmlLabel  `xml:"labels>label"`
	Pools   []xmlPool   `xml:"pools>pool"`
	VMs     []xmlDomain `xml:"domains>domain"`
}

type xmlLabel struct {
	ID    string `xml:"id,attr"`
	Name  string `xml:"name,attr"`
	Color string `xml:"color,attr"`
}

type xmlPool struct {
	Name string `xml:"name,attr"`
}

type xmlDomain struct {
	Class      string          `xml:"class,attr"`
	Name       string          `xml:"name,attr"`
	Label      string          `xml:"label,attr"`
	Template   string          `xml:"template,attr"`
	BackupPath string          `xml:"backup_path,attr"`
	BackupSize int64           `xml:"backup_size,attr"`
	Properties []xmlProperty   `xml:"properties>property"`
	Features   []xmlFeature    `xml:"features>feature"`
	Tags       []xmlTag        `xml:"tags>tag"`
	Devices    []xmlDeviceList `xml:"devices"`
}

type xmlProperty struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type xmlFeature struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type xmlTag struct {
	Name string `xml:"name,attr"`
}

type xmlDeviceList struct {
	Bus     string       `xml:"class,attr"`
	Devices []xmlDevice  `xml:"device"`
}

type xmlDevice struct {
	Backend    string          `xml:"backend-domain,attr"`
	Port       string          `xml:"id,attr"`
	RequiredBy []string        `xml:"required-by>domain"`
	Options    []xmlDeviceOpt  `xml:"option"`
}

type xmlDeviceOpt struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

// strippedProperties are never carried over from the archive catalog
// into a restored VM; they are regenerated on restore.
var strippedProperties = map[string]bool{
	"backup-id": true,
	"qid":       true,
	"uuid":      true,
}

// Parse parses qubes.xml bytes (already decrypted/decompressed by the
// dispatcher) into a validated Catalog.
func Parse(data []byte) (*Catalog, error) {
	var doc xmlQubes
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, rerror.Wrap(rerror.BadHeader, "parse qubes.xml", err)
	}

	cat := &Catalog{VMs: make(map[string]*VM)}
	for _, d := range doc.VMs {
		vm := &VM{
			Name:       d.Name,
			Class:      Class(d.Class),
			Label:      d.Label,
			Template:   d.Template,
			Properties: make(map[string]string),
			Features:   make(map[string]string),
			Tags:       make(map[string]bool),
			BackupPath: d.BackupPath,
			Size:       d.BackupSize,
		}
		for _, p := range d.Properties {
			if strippedProperties[p.Name] {
				continue
			}
			vm.Properties[p.Name] = p.Value
		}
		for _, f := range d.Features {
			vm.Features[f.Name] = f.Value
		}
		for _, t := range d.Tags {
			vm.Tags[t.Name] = true
		}
		for _, dl := range d.Devices {
			for _, dev := range dl.Devices {
				args := make(map[string]string)
				for _, o := range dev.Options {
					args[o.Name] = o.Value
				}
				vm.Devices = append(vm.Devices, Device{
					Bus:          dl.Bus,
					Backend:      dev.Backend,
					Port:         dev.Port,
					FrontendArgs: args,
					RequiredBy:   dev.RequiredBy,
				})
			}
		}
		cat.VMs[vm.Name] = vm
	}

	if err := validate(cat); err != nil {
		return nil, err
	}
	return cat, nil
}

func validate(cat *Catalog) error {
	var dom0Count int
	for name, vm := range cat.VMs {
		if vm.Class == ClassAdminVM {
			dom0Count++
			if name != "dom0" {
				return rerror.New(rerror.BadHeader, fmt.Sprintf("AdminVM record must be named dom0, got %q", name))
			}
		}
		if vm.Template != "" {
			if _, inCatalog := cat.VMs[vm.Template]; !inCatalog {
				// May still resolve against the live host; that
				// resolution happens in internal/plan, not here. The
				// catalog itself only records the reference.
				continue
			}
		}
	}
	if dom0Count > 1 {
		return rerror.New(rerror.BadHeader, "qubes.xml contains more than one AdminVM record")
	}
	return nil
}
