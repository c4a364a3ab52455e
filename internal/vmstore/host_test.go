package vmstore

import (
	"context"
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/outpostvm/qvrestore/internal/rerror"
	"github.com/outpostvm/qvrestore/internal/vmhost"
)

func newTestHost(t *testing.T) *LocalHost {
	t.Helper()
	return NewLocalHost(openTestDB(t), filepath.Join(t.TempDir(), "volumes"))
}

func TestLocalHostCreateThenExists(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t)

	if ok, err := h.Exists(ctx, "work"); err != nil || ok {
		t.Fatalf("Exists before create = %v, %v", ok, err)
	}
	if err := h.Create(ctx, "work", vmhost.ClassAppVM, "fedora-38", "green"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ok, err := h.Exists(ctx, "work"); err != nil || !ok {
		t.Fatalf("Exists after create = %v, %v", ok, err)
	}
	if err := h.Create(ctx, "work", vmhost.ClassAppVM, "fedora-38", "green"); err == nil {
		t.Fatal("expected second Create of the same name to fail")
	}
}

func TestLocalHostDestroyRemovesStateAndVolumes(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t)

	if err := h.Create(ctx, "work", vmhost.ClassAppVM, "fedora-38", "green"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.SetProperty(ctx, "work", "netvm", "sys-firewall"); err != nil {
		t.Fatalf("SetProperty: %v", err)
	}
	w, err := h.OpenVolume(ctx, "work", vmhost.VolumePrivate, 0)
	if err != nil {
		t.Fatalf("OpenVolume: %v", err)
	}
	if _, err := w.Write([]byte("private data")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := h.Destroy(ctx, "work"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if ok, err := h.Exists(ctx, "work"); err != nil || ok {
		t.Fatalf("Exists after destroy = %v, %v", ok, err)
	}
	if _, err := os.ReadFile(filepath.Join(h.volumeDirFor("work"), "private.img")); err == nil {
		t.Fatal("expected volume file to be removed")
	}
}

func TestLocalHostOpenVolumeRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t)

	if err := h.Create(ctx, "work", vmhost.ClassAppVM, "", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	w, err := h.OpenVolume(ctx, "work", vmhost.VolumeRoot, 1024)
	if err != nil {
		t.Fatalf("OpenVolume: %v", err)
	}
	payload := []byte("root volume bytes")
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(h.volumeDirFor("work"), "root.img"))
	if err != nil {
		t.Fatalf("read volume file: %v", err)
	}
	if string(got[:len(payload)]) != string(payload) {
		t.Fatalf("got %q, want prefix %q", got, payload)
	}
	if int64(len(got)) != 1024 {
		t.Fatalf("len(got) = %d, want sizeHint 1024", len(got))
	}
}

func TestLocalHostSetPropertyFeatureTagDevice(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t)

	if err := h.Create(ctx, "work", vmhost.ClassAppVM, "", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.SetProperty(ctx, "work", "netvm", "sys-firewall"); err != nil {
		t.Fatalf("SetProperty: %v", err)
	}
	if err := h.SetProperty(ctx, "work", "netvm", "sys-whonix"); err != nil {
		t.Fatalf("SetProperty overwrite: %v", err)
	}
	if err := h.SetFeature(ctx, "work", "service.foo", "1"); err != nil {
		t.Fatalf("SetFeature: %v", err)
	}
	if err := h.AddTag(ctx, "work", "created-by-qvrestore"); err != nil {
		t.Fatalf("AddTag: %v", err)
	}
	if err := h.AttachDevice(ctx, "work", vmhost.DeviceAssignment{Backend: "pci", Ident: "dom0:00_1f.6"}); err != nil {
		t.Fatalf("AttachDevice: %v", err)
	}

	var value string
	if err := h.db.db.QueryRow(`SELECT value FROM vm_properties WHERE name = ? AND key = ?`, "work", "netvm").Scan(&value); err != nil {
		t.Fatalf("query property: %v", err)
	}
	if value != "sys-whonix" {
		t.Fatalf("netvm = %q, want overwritten value", value)
	}
}

func TestLocalHostSetFirewallAndNotes(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t)

	if err := h.Create(ctx, "work", vmhost.ClassAppVM, "", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	rules := []vmhost.FirewallRule{{Action: "accept", Proto: "tcp", DstPorts: "443"}}
	if err := h.SetFirewall(ctx, "work", rules); err != nil {
		t.Fatalf("SetFirewall: %v", err)
	}
	if err := h.SetNotes(ctx, "work", "restored from backup"); err != nil {
		t.Fatalf("SetNotes: %v", err)
	}

	var notes string
	if err := h.db.db.QueryRow(`SELECT notes FROM vm_notes WHERE name = ?`, "work").Scan(&notes); err != nil {
		t.Fatalf("query notes: %v", err)
	}
	if notes != "restored from backup" {
		t.Fatalf("notes = %q", notes)
	}
}

func TestLocalHostResolveUserMatchesOSUserDatabase(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t)

	me, err := user.Current()
	if err != nil {
		t.Skipf("no current user available: %v", err)
	}

	uid, gid, err := h.ResolveUser(ctx, me.Username)
	if err != nil {
		t.Fatalf("ResolveUser: %v", err)
	}
	if uid == 0 && me.Uid != "0" {
		t.Errorf("uid = %d, want non-zero for %q", uid, me.Username)
	}
	_ = gid

	home, err := h.HomeDir(ctx, me.Username)
	if err != nil {
		t.Fatalf("HomeDir: %v", err)
	}
	if home != me.HomeDir {
		t.Errorf("HomeDir = %q, want %q", home, me.HomeDir)
	}
}

func TestLocalHostResolveUserUnknownIsDependencyMissing(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t)

	_, _, err := h.ResolveUser(ctx, "no-such-user-qvrestore-test")
	if err == nil {
		t.Fatal("expected an error for an unknown user")
	}
	if k, ok := rerror.KindOf(err); !ok || k != rerror.DependencyMissing {
		t.Errorf("KindOf(err) = %v, %v, want DependencyMissing", k, ok)
	}
}
