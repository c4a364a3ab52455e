package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/outpostvm/qvrestore/internal/config"
	"github.com/outpostvm/qvrestore/internal/header"
	"github.com/outpostvm/qvrestore/internal/rerror"
	"github.com/outpostvm/qvrestore/internal/testarchive"
	"github.com/outpostvm/qvrestore/internal/vmhost"
	"github.com/outpostvm/qvrestore/internal/vmstore"
)

// --- fakeHost: a full in-memory vmhost.Host, modeled on
// internal/handlers' fakeHost, extended with create/destroy tracking
// and a preseeded "existing" set for conflict/template/netvm tests.

type fakeVolume struct {
	bytes.Buffer
	closed bool
}

func (f *fakeVolume) Close() error { f.closed = true; return nil }

type fakeHost struct {
	mu sync.Mutex

	existing   map[string]bool
	created    map[string]vmhost.Class
	destroyed  map[string]bool
	properties map[string]map[string]string
	features   map[string]map[string]string
	tags       map[string]map[string]bool
	devices    map[string][]vmhost.DeviceAssignment
	volumes    map[string]*fakeVolume
	firewalls  map[string][]vmhost.FirewallRule
	notes      map[string]string

	uid, gid int
	home     string
}

func newFakeHost(existingNames ...string) *fakeHost {
	h := &fakeHost{
		existing:   make(map[string]bool),
		created:    make(map[string]vmhost.Class),
		destroyed:  make(map[string]bool),
		properties: make(map[string]map[string]string),
		features:   make(map[string]map[string]string),
		tags:       make(map[string]map[string]bool),
		devices:    make(map[string][]vmhost.DeviceAssignment),
		volumes:    make(map[string]*fakeVolume),
		firewalls:  make(map[string][]vmhost.FirewallRule),
		notes:      make(map[string]string),
	}
	for _, n := range existingNames {
		h.existing[n] = true
	}
	return h
}

func (h *fakeHost) Exists(ctx context.Context, name string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.existing[name], nil
}

func (h *fakeHost) Create(ctx context.Context, name string, class vmhost.Class, template, label string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.created[name] = class
	h.existing[name] = true
	return nil
}

func (h *fakeHost) Destroy(ctx context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.destroyed[name] = true
	delete(h.existing, name)
	return nil
}

func (h *fakeHost) SetProperty(ctx context.Context, name, key, value string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.properties[name] == nil {
		h.properties[name] = make(map[string]string)
	}
	h.properties[name][key] = value
	return nil
}

func (h *fakeHost) SetFeature(ctx context.Context, name, key, value string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.features[name] == nil {
		h.features[name] = make(map[string]string)
	}
	h.features[name][key] = value
	return nil
}

func (h *fakeHost) AddTag(ctx context.Context, name, tag string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tags[name] == nil {
		h.tags[name] = make(map[string]bool)
	}
	h.tags[name][tag] = true
	return nil
}

func (h *fakeHost) AttachDevice(ctx context.Context, name string, dev vmhost.DeviceAssignment) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.devices[name] = append(h.devices[name], dev)
	return nil
}

func (h *fakeHost) OpenVolume(ctx context.Context, name string, kind vmhost.VolumeKind, sizeHint int64) (io.WriteCloser, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v := &fakeVolume{}
	h.volumes[name+"/"+string(kind)] = v
	return v, nil
}

func (h *fakeHost) SetFirewall(ctx context.Context, name string, rules []vmhost.FirewallRule) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.firewalls[name] = rules
	return nil
}

func (h *fakeHost) SetNotes(ctx context.Context, name string, notes string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notes[name] = notes
	return nil
}

func (h *fakeHost) ResolveUser(ctx context.Context, username string) (int, int, error) {
	return h.uid, h.gid, nil
}

func (h *fakeHost) HomeDir(ctx context.Context, username string) (string, error) {
	return h.home, nil
}

// --- test fixtures

type vmSpec struct {
	name     string
	class    string
	template string
	netvm    string
}

func qubesXML(vms []vmSpec) []byte {
	var b bytes.Buffer
	b.WriteString("<qubes><domains>")
	for _, v := range vms {
		templateAttr := ""
		if v.template != "" {
			templateAttr = fmt.Sprintf(` template="%s"`, v.template)
		}
		props := ""
		if v.netvm != "" {
			props = fmt.Sprintf(`<properties><property name="netvm">%s</property></properties>`, v.netvm)
		}
		fmt.Fprintf(&b, `<domain class="%s" name="%s" label="green"%s>%s</domain>`, v.class, v.name, templateAttr, props)
	}
	b.WriteString("</domains></qubes>")
	return b.Bytes()
}

func openTestStore(t *testing.T) *vmstore.DB {
	t.Helper()
	d, err := vmstore.Open(filepath.Join(t.TempDir(), "vmstore.sqlite"))
	if err != nil {
		t.Fatalf("vmstore.Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir:             t.TempDir(),
		ScratchRoot:         t.TempDir(),
		MaxFiles:            1000,
		MaxBytes:            1 << 30,
		LowWaterBytes:       0,
		AllowLegacyVersions: true,
		RenameOnConflict:    true,
	}
}

func newSourceOrchestrator(t *testing.T, host vmhost.Host, raw []byte, cfg *config.Config) *Orchestrator {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	o := New(cfg, host, openTestStore(t), nil)
	o.openSource = func(ctx context.Context, req Request) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(raw)), nil
	}
	return o
}

// --- end-to-end scenarios

func TestRunV4SingleAppVMHappyPath(t *testing.T) {
	hdr := &header.Header{
		Version: 4, Compressed: true, CompressionFilter: "gzip", HasCompressionFilter: true,
		HMACAlgorithm: "sha256", Encrypted: true,
	}
	backupID, passphrase := "backup-happy", "correct horse battery staple"

	b := testarchive.New(hdr, backupID, passphrase)
	b.AddHeader()
	b.AddFile("qubes.xml", qubesXML([]vmSpec{{name: "work", class: "AppVM", template: "fedora-38", netvm: "sys-firewall"}}))
	b.AddFile("work/private.img", []byte("private-disk-bytes"))

	host := newFakeHost("fedora-38", "sys-firewall")
	o := newSourceOrchestrator(t, host, b.Bytes(), nil)

	report, err := o.Run(context.Background(), Request{Passphrase: passphrase, HostUsername: "user"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", report.ExitCode)
	}
	if len(report.Created) != 1 || report.Created[0] != "work" {
		t.Errorf("Created = %v", report.Created)
	}
	if _, ok := host.created["work"]; !ok {
		t.Error("expected host.Create(\"work\", ...) to have been called")
	}
	if v := host.volumes["work/private"]; v == nil || v.String() != "private-disk-bytes" || !v.closed {
		t.Errorf("volume = %+v", v)
	}
	if got := host.properties["work"]["template"]; got != "fedora-38" {
		t.Errorf("template property = %q", got)
	}
	if got := host.properties["work"]["netvm"]; got != "sys-firewall" {
		t.Errorf("netvm property = %q", got)
	}
}

func TestRunWrongPassphraseRejectsRestore(t *testing.T) {
	hdr := &header.Header{Version: 2, HMACAlgorithm: "sha1"}
	b := testarchive.New(hdr, "backup-badpass", "correct-pass")
	b.AddHeader()

	host := newFakeHost()
	o := newSourceOrchestrator(t, host, b.Bytes(), nil)

	report, err := o.Run(context.Background(), Request{Passphrase: "wrong-pass"})
	if err == nil {
		t.Fatal("expected an error for a wrong passphrase")
	}
	if kind, ok := rerror.KindOf(err); !ok || kind != rerror.BadPassphrase {
		t.Errorf("err kind = %v (ok=%v), want BadPassphrase", kind, ok)
	}
	if len(host.created) != 0 {
		t.Errorf("expected zero VMs created, got %v", host.created)
	}
	if report.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", report.ExitCode)
	}
}

func TestRunRenamesConflictingVMButKeepsArchiveKey(t *testing.T) {
	hdr := &header.Header{Version: 1}
	backupID, passphrase := "backup-conflict", "pw"

	b := testarchive.New(hdr, backupID, passphrase)
	b.AddHeader()
	b.AddFile("qubes.xml", qubesXML([]vmSpec{{name: "work", class: "AppVM"}}))
	b.AddFile("work/private.img", []byte("renamed-vm-bytes"))

	host := newFakeHost("work") // force a conflict
	o := newSourceOrchestrator(t, host, b.Bytes(), nil)

	report, err := o.Run(context.Background(), Request{Passphrase: passphrase})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Created) != 1 || report.Created[0] != "work1" {
		t.Errorf("Created = %v, want [work1]", report.Created)
	}
	if _, ok := host.created["work1"]; !ok {
		t.Error("expected host.Create(\"work1\", ...)")
	}
	if _, ok := host.created["work"]; ok {
		t.Error("the pre-existing \"work\" must not be recreated")
	}
	if v := host.volumes["work1/private"]; v == nil || v.String() != "renamed-vm-bytes" {
		t.Errorf("volume for renamed target = %+v", v)
	}
}

func TestRunSkipBrokenProceedsPastMissingTemplate(t *testing.T) {
	hdr := &header.Header{Version: 1}
	backupID, passphrase := "backup-skipbroken", "pw"

	b := testarchive.New(hdr, backupID, passphrase)
	b.AddHeader()
	b.AddFile("qubes.xml", qubesXML([]vmSpec{
		{name: "broken", class: "AppVM", template: "nonexistent-template"},
		{name: "good", class: "AppVM"},
	}))
	b.AddFile("good/private.img", []byte("good-vm-bytes"))

	host := newFakeHost()
	cfg := testConfig(t)
	cfg.SkipBroken = true
	o := newSourceOrchestrator(t, host, b.Bytes(), cfg)

	report, err := o.Run(context.Background(), Request{Passphrase: passphrase})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", report.ExitCode)
	}
	if len(report.Created) != 1 || report.Created[0] != "good" {
		t.Errorf("Created = %v, want [good]", report.Created)
	}
	if _, ok := host.created["broken"]; ok {
		t.Error("\"broken\" has a missing template and must not be created")
	}
}

func TestRunRollsBackVMWithChunkOrdinalGap(t *testing.T) {
	hdr := &header.Header{Version: 1}
	backupID, passphrase := "backup-gap", "pw"

	b := testarchive.New(hdr, backupID, passphrase)
	b.AddHeader()
	b.AddFile("qubes.xml", qubesXML([]vmSpec{
		{name: "vm1", class: "AppVM"},
		{name: "vm2", class: "AppVM"},
	}))
	b.AddFile("vm1/private.img", []byte("vm1-bytes"))
	// vm2's first chunk is ordinal 001 with no preceding 000: an
	// out-of-order gap.
	b.AddRaw("vm2/private.img.001", []byte("vm2-bytes"))

	host := newFakeHost()
	o := newSourceOrchestrator(t, host, b.Bytes(), nil)

	report, err := o.Run(context.Background(), Request{Passphrase: passphrase})
	if err == nil {
		t.Fatal("expected a non-nil error from the ordinal gap")
	}
	if report.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", report.ExitCode)
	}
	if len(report.Created) != 1 || report.Created[0] != "vm1" {
		t.Errorf("Created = %v, want [vm1]", report.Created)
	}
	if len(report.RolledBack) != 1 || report.RolledBack[0] != "vm2" {
		t.Errorf("RolledBack = %v, want [vm2]", report.RolledBack)
	}
	if !host.destroyed["vm2"] {
		t.Error("expected vm2 to be destroyed during rollback")
	}
	if host.destroyed["vm1"] {
		t.Error("vm1 completed successfully and must not be destroyed")
	}
}

// cancelAtOffsetReader reads r up to cutoff bytes, then invokes cancel
// and fails every subsequent read with context.Canceled: a deterministic
// stand-in for "the operator cancelled partway through" that cuts the
// outer tar stream at a byte-exact member boundary (testarchive.Offset)
// instead of counting context.Err calls, which raced once extraction and
// dispatch became concurrent.
type cancelAtOffsetReader struct {
	r      io.Reader
	cutoff int
	read   int
	cancel context.CancelFunc
}

func (c *cancelAtOffsetReader) Read(p []byte) (int, error) {
	if c.read >= c.cutoff {
		c.cancel()
		return 0, context.Canceled
	}
	if c.read+len(p) > c.cutoff {
		p = p[:c.cutoff-c.read]
	}
	n, err := c.r.Read(p)
	c.read += n
	if c.read >= c.cutoff {
		c.cancel()
	}
	return n, err
}

func TestDispatchAllStopsAfterCancellation(t *testing.T) {
	hdr := &header.Header{
		Version: 4, Compressed: true, CompressionFilter: "gzip", HasCompressionFilter: true,
		HMACAlgorithm: "sha256", Encrypted: true,
	}
	backupID, passphrase := "backup-cancel", "pw"

	b := testarchive.New(hdr, backupID, passphrase)
	b.AddHeader()
	b.AddFile("qubes.xml", qubesXML([]vmSpec{
		{name: "vm1", class: "AppVM"},
		{name: "vm2", class: "AppVM"},
	}))
	b.AddFile("vm1/private.img", []byte("vm1-data"))
	cutoff := b.Offset() // cut the stream right after vm1's only chunk
	b.AddFile("vm2/private.img", []byte("vm2-data"))
	raw := b.Bytes()

	host := newFakeHost()
	o := newSourceOrchestrator(t, host, raw, nil)
	req := Request{Passphrase: passphrase}

	p, cleanup, err := o.buildPlan(context.Background(), req)
	if cleanup != nil {
		defer cleanup()
	}
	if err != nil {
		t.Fatalf("buildPlan: %v", err)
	}

	created, err := o.createVMs(context.Background(), p)
	if err != nil {
		t.Fatalf("createVMs: %v", err)
	}
	handlersMap := o.buildHandlers(p, created, false)

	cctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.openSource = func(ctx context.Context, req Request) (io.ReadCloser, error) {
		return io.NopCloser(&cancelAtOffsetReader{r: bytes.NewReader(raw), cutoff: cutoff, cancel: cancel}), nil
	}

	results, err := o.dispatchAll(cctx, req, p, handlersMap)
	if err == nil {
		t.Fatal("expected a cancellation error")
	}
	if kind, ok := rerror.KindOf(err); !ok || kind != rerror.Cancelled {
		t.Errorf("err kind = %v (ok=%v), want Cancelled", kind, ok)
	}
	if got := exitCodeFor(err); got != 1 {
		t.Errorf("exitCodeFor = %d, want 1", got)
	}

	var vm1Succeeded, vm2Seen bool
	for _, r := range results {
		switch r.Logical {
		case "vm1/private.img":
			vm1Succeeded = r.Err == nil
		case "vm2/private.img":
			vm2Seen = true
		}
	}
	if !vm1Succeeded {
		t.Errorf("expected vm1/private.img to have flushed successfully, results=%+v", results)
	}
	if vm2Seen {
		t.Errorf("expected vm2/private.img to never reach the dispatcher, results=%+v", results)
	}
}
