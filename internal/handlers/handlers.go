// Package handlers implements the six typed consumers dispatched by
// internal/dispatch for each reassembled logical file:
// save_qubes_xml, handle_volume, handle_firewall, handle_appmenus,
// handle_notes, and handle_dom0_home.
//
// Grounded on internal/image/unpack.go's tar extraction
// loop (dom0-home's inner-tar consumption and path-traversal guard)
// and its internal/api value-object conventions for the smaller,
// single-field handlers (firewall rules, appmenus list, notes).
package handlers

import (
	"archive/tar"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/outpostvm/qvrestore/internal/dispatch"
	"github.com/outpostvm/qvrestore/internal/rerror"
	"github.com/outpostvm/qvrestore/internal/vmhost"
)

// NewSaveQubesXML writes the inner qubes.xml verbatim to destPath, per
// the save_qubes_xml(path) consumer.
func NewSaveQubesXML(destPath string) dispatch.Handler {
	return func(logical string, r io.Reader, size int) error {
		if err := os.MkdirAll(filepath.Dir(destPath), 0700); err != nil {
			return rerror.Wrap(rerror.Io, "create qubes.xml parent dir", err)
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return rerror.Wrap(rerror.Io, "read qubes.xml body", err)
		}
		if err := os.WriteFile(destPath, data, 0600); err != nil {
			return rerror.Wrap(rerror.Io, "write qubes.xml", err)
		}
		return nil
	}
}

// VolumeKindFromFilename maps a volume image's logical filename to its
// vmhost.VolumeKind, e.g. "private.img" -> VolumePrivate.
func VolumeKindFromFilename(name string) (vmhost.VolumeKind, bool) {
	base := filepath.Base(name)
	base = strings.TrimSuffix(base, ".img")
	switch base {
	case "private":
		return vmhost.VolumePrivate, true
	case "root":
		return vmhost.VolumeRoot, true
	case "kernel":
		return vmhost.VolumeKernel, true
	case "volatile":
		return vmhost.VolumeVolatile, true
	default:
		return "", false
	}
}

// NewVolumeHandler imports a decrypted/decompressed volume image
// stream into the VM's storage, sizing the destination volume ahead of
// the write when size is known (a size-aware import
// when the size is known so the volume can be resized before
// writing").
func NewVolumeHandler(host vmhost.Host, vmName string, kind vmhost.VolumeKind) dispatch.Handler {
	return func(logical string, r io.Reader, size int) error {
		w, err := host.OpenVolume(context.Background(), vmName, kind, int64(size))
		if err != nil {
			return rerror.Wrap(rerror.HandlerFailed, fmt.Sprintf("open volume %s/%s", vmName, kind), err)
		}
		if _, err := io.Copy(w, r); err != nil {
			w.Close()
			return rerror.Wrap(rerror.HandlerFailed, fmt.Sprintf("write volume %s/%s", vmName, kind), err)
		}
		if err := w.Close(); err != nil {
			return rerror.Wrap(rerror.HandlerFailed, fmt.Sprintf("finalize volume %s/%s", vmName, kind), err)
		}
		return nil
	}
}

// firewallXML mirrors the subset of a Qubes firewall.xml this engine
// understands: an ordered rule list.
type firewallXML struct {
	XMLName xml.Name     `xml:"rules"`
	Rules   []firewallRule `xml:"rule"`
}

type firewallRule struct {
	Action   string `xml:"action,attr"`
	Proto    string `xml:"proto,attr"`
	DstHost  string `xml:"dsthost,attr"`
	DstPorts string `xml:"dstports,attr"`
	Expire   string `xml:"expire,attr"`
	Comment  string `xml:"comment,attr"`
}

// NewFirewallHandler parses firewall.xml and applies the rule list to
// the VM. A parse/apply failure here is logged, not
// fatal to the overall restore — the caller (dispatch.Result) already
// treats any non-BadPassphrase handler error as non-fatal, so this
// handler simply returns the error as-is.
func NewFirewallHandler(host vmhost.Host, vmName string) dispatch.Handler {
	return func(logical string, r io.Reader, size int) error {
		data, err := io.ReadAll(r)
		if err != nil {
			return rerror.Wrap(rerror.Io, "read firewall.xml", err)
		}
		var doc firewallXML
		if err := xml.Unmarshal(data, &doc); err != nil {
			return rerror.Wrap(rerror.HandlerFailed, "parse firewall.xml", err)
		}
		rules := make([]vmhost.FirewallRule, 0, len(doc.Rules))
		for _, r := range doc.Rules {
			rules = append(rules, vmhost.FirewallRule{
				Action:   r.Action,
				Proto:    r.Proto,
				DstHost:  r.DstHost,
				DstPorts: r.DstPorts,
				Expire:   r.Expire,
				Comment:  r.Comment,
			})
		}
		if err := host.SetFirewall(context.Background(), vmName, rules); err != nil {
			return rerror.Wrap(rerror.HandlerFailed, "apply firewall rules", err)
		}
		return nil
	}
}

// appmenusFeature is the feature key the space-joined whitelist is
// stored under: "whitelisted-appmenus".
const appmenusFeature = "whitelisted-appmenus"

// NewAppmenusHandler splits whitelisted-appmenus.list into lines and
// stores it as a space-joined feature value.
func NewAppmenusHandler(host vmhost.Host, vmName string) dispatch.Handler {
	return func(logical string, r io.Reader, size int) error {
		data, err := io.ReadAll(r)
		if err != nil {
			return rerror.Wrap(rerror.Io, "read appmenus list", err)
		}
		var entries []string
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				entries = append(entries, line)
			}
		}
		if err := host.SetFeature(context.Background(), vmName, appmenusFeature, strings.Join(entries, " ")); err != nil {
			return rerror.Wrap(rerror.HandlerFailed, "set appmenus feature", err)
		}
		return nil
	}
}

// NewNotesHandler decodes notes.txt as UTF-8 and sets it as the VM's
// notes field.
func NewNotesHandler(host vmhost.Host, vmName string) dispatch.Handler {
	return func(logical string, r io.Reader, size int) error {
		data, err := io.ReadAll(r)
		if err != nil {
			return rerror.Wrap(rerror.Io, "read notes", err)
		}
		if err := host.SetNotes(context.Background(), vmName, string(data)); err != nil {
			return rerror.Wrap(rerror.HandlerFailed, "set notes", err)
		}
		return nil
	}
}

// NewDom0HomeHandler untars the dom0-home member into a timestamped
// subdirectory of the resolved user's home directory and fixes
// ownership recursively. A ResolveUser failure is always fatal (see
// DESIGN.md Open Question 2) rather than a skippable handler failure,
// since restoring files under an unverified identity would be a
// privilege-boundary violation.
//
// Grounded on internal/image/unpack.go's tar reader loop and
// path-traversal guard, generalized from "apply an OCI layer" to
// "restore a home directory tree".
func NewDom0HomeHandler(host vmhost.Host, username string, now time.Time) dispatch.Handler {
	return func(logical string, r io.Reader, size int) error {
		uid, gid, err := host.ResolveUser(context.Background(), username)
		if err != nil {
			return rerror.Wrap(rerror.HandlerFailed, fmt.Sprintf("resolve dom0 user %q", username), err)
		}
		home, err := host.HomeDir(context.Background(), username)
		if err != nil {
			return rerror.Wrap(rerror.HandlerFailed, fmt.Sprintf("resolve home dir for %q", username), err)
		}

		destRoot := filepath.Join(home, "qubes-restore-"+strconv.FormatInt(now.Unix(), 10))
		if err := os.MkdirAll(destRoot, 0700); err != nil {
			return rerror.Wrap(rerror.Io, "create dom0-home destination", err)
		}

		if err := untarInto(r, destRoot); err != nil {
			return err
		}

		if err := chownTree(destRoot, uid, gid); err != nil {
			return rerror.Wrap(rerror.Io, "chown restored dom0 home tree", err)
		}
		return nil
	}
}

func untarInto(r io.Reader, destRoot string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return rerror.Wrap(rerror.Io, "read dom0-home tar stream", err)
		}

		name := filepath.Clean(hdr.Name)
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			continue
		}
		target := filepath.Join(destRoot, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return rerror.Wrap(rerror.Io, "mkdir "+name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
				return rerror.Wrap(rerror.Io, "mkdir parent of "+name, err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return rerror.Wrap(rerror.Io, "create "+name, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return rerror.Wrap(rerror.Io, "write "+name, err)
			}
			f.Close()
		case tar.TypeSymlink:
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return rerror.Wrap(rerror.Io, "symlink "+name, err)
			}
		}
	}
}

// chownTree walks destRoot and calls os.Lchown on every entry, because
// tar run as root would otherwise leave everything owned by root
// (see DESIGN.md's dom0-home ownership fix-up note).
func chownTree(root string, uid, gid int) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		return os.Lchown(path, uid, gid)
	})
}
