// Package orchestrator drives the whole restore: lock
// acquisition, header/catalog retrieval, plan construction, VM
// creation in dependency order, dispatch invocation, post-import
// fixups, and rollback of only the VMs this run created.
//
// Grounded on internal/lifecycle/manager.go
// (EnsureInstance/bootInstance/StopInstance sequencing: create, then
// configure, then tear down only what this call itself started) and
// its daemon startup-sequencing conventions (acquire resources, do
// the work, always release in reverse order).
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/outpostvm/qvrestore/internal/catalog"
	"github.com/outpostvm/qvrestore/internal/chunk"
	"github.com/outpostvm/qvrestore/internal/config"
	"github.com/outpostvm/qvrestore/internal/crypto"
	"github.com/outpostvm/qvrestore/internal/dispatch"
	"github.com/outpostvm/qvrestore/internal/extract"
	"github.com/outpostvm/qvrestore/internal/handlers"
	"github.com/outpostvm/qvrestore/internal/header"
	"github.com/outpostvm/qvrestore/internal/pipeline"
	"github.com/outpostvm/qvrestore/internal/plan"
	"github.com/outpostvm/qvrestore/internal/rerror"
	"github.com/outpostvm/qvrestore/internal/restorelog"
	"github.com/outpostvm/qvrestore/internal/source"
	"github.com/outpostvm/qvrestore/internal/vmhost"
	"github.com/outpostvm/qvrestore/internal/vmstore"
)

// Request describes one restore invocation.
type Request struct {
	// SourcePath, when set, opens the archive from a local file.
	// Otherwise SourceRPCName/SourceRPCArgs invoke the backup source VM.
	SourcePath    string
	SourceRPCName string
	SourceRPCArgs []string

	Passphrase string

	// HostUsername is the host's resolved primary user (derived from
	// the privileged group by the caller, e.g. the CLI layer via
	// os/user), compared against the archive's dom0-home username.
	// Resolving "the privileged group's primary user" is a
	// host-environment concern outside the vmhost.Host boundary, so it
	// is supplied here rather than fetched through Host.
	HostUsername string

	// Include/Exclude mirror plan.Policy's filter lists.
	Include []string
	Exclude []string

	VerifyOnly bool
}

// Plan is the result of steps 2-6: everything known about the restore
// before any VM is touched.
type Plan struct {
	Header   *header.Header
	BackupID string
	Catalog  *catalog.Catalog
	Entries  []*plan.Entry
	Dom0     *plan.Entry

	dom0Logical string // the archive's actual dom0-home member name
}

// Summary renders a human-readable plan table.
func (p *Plan) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "backup-id: %s (header version %d)\n", p.BackupID, p.Header.Version)
	for _, e := range p.Entries {
		status := "OK"
		if !e.GoodToGo() {
			status = fmt.Sprintf("%v", e.Problems)
		}
		fmt.Fprintf(&b, "  %-20s -> %-20s [%s]\n", e.Source.Name, e.TargetName, status)
	}
	if p.Dom0 != nil {
		status := "OK"
		if !p.Dom0.GoodToGo() {
			status = fmt.Sprintf("%v", p.Dom0.Problems)
		}
		fmt.Fprintf(&b, "  %-20s [%s]\n", "dom0-home", status)
	}
	return b.String()
}

// Report is the outcome of a full Run.
type Report struct {
	Plan      *Plan
	Created   []string // target names successfully restored
	RolledBack []string // target names created then destroyed on failure
	Results   []dispatch.Result
	ExitCode  int
	Err       error
}

// Orchestrator ties the pipeline packages to one vmhost.Host backend
// and one vmstore.DB restore-record store.
type Orchestrator struct {
	Config *config.Config
	Host   vmhost.Host
	Store  *vmstore.DB

	// Log records restore events for post-mortem inspection: a
	// crashed or killed run still leaves a readable trail behind.
	// A nil Log is valid; every call site guards against it.
	Log *restorelog.Recorder

	// openSource opens the raw archive byte stream. Set by New to
	// defaultOpenSource; tests substitute a fake stream here the same
	// way an interface value is substituted in a lifecycle test,
	// without needing a real file or subprocess.
	openSource func(ctx context.Context, req Request) (io.ReadCloser, error)
}

// New builds an Orchestrator. log may be nil to disable event recording.
func New(cfg *config.Config, host vmhost.Host, store *vmstore.DB, log *restorelog.Recorder) *Orchestrator {
	o := &Orchestrator{Config: cfg, Host: host, Store: store, Log: log}
	o.openSource = o.defaultOpenSource
	return o
}

func (o *Orchestrator) record(source, vm, message string, err error) {
	if o.Log == nil {
		return
	}
	o.Log.Record(time.Now(), source, vm, message, err)
}

// lockHolder identifies this process in the single-writer lock table.
func lockHolder() string {
	return fmt.Sprintf("pid-%d", os.Getpid())
}

// Plan performs steps 1-6 without creating, modifying, or destroying
// any VM: acquire the lock, read and verify the header, retrieve and
// parse qubes.xml, build and resolve the restore plan, then release
// the lock and remove the scratch directory. Used both standalone
// (--verify-only) and as the first phase of Run.
func (o *Orchestrator) Plan(ctx context.Context, req Request) (*Plan, error) {
	p, cleanup, err := o.buildPlan(ctx, req)
	if cleanup != nil {
		defer cleanup()
	}
	return p, err
}

// buildPlan is shared by Plan and Run. It runs a small, filtered peek
// extraction — just the backup-header and qubes.xml members, plus a
// probe for a dom0-home member — rather than draining the whole
// archive: the full, unfiltered extraction happens later, in Run's
// dispatch phase, concurrently with the handler dispatcher. The
// returned cleanup func releases the lock and removes the peek scratch
// directory; Run defers it only after the dispatch phase, Plan defers
// it immediately.
func (o *Orchestrator) buildPlan(ctx context.Context, req Request) (*Plan, func(), error) {
	if err := o.Store.AcquireLock(lockHolder()); err != nil {
		o.record(restorelog.SourceSystem, "", "failed to acquire restore lock", err)
		return nil, nil, err
	}
	o.record(restorelog.SourceSystem, "", "restore lock acquired", nil)
	lockReleased := false
	releaseLock := func() {
		if !lockReleased {
			o.Store.ReleaseLock()
			lockReleased = true
		}
	}

	stream, err := o.openSource(ctx, req)
	if err != nil {
		releaseLock()
		return nil, nil, err
	}

	scratch, err := chunk.NewScratchDir(o.Config.ScratchRoot)
	if err != nil {
		stream.Close()
		releaseLock()
		return nil, nil, rerror.Wrap(rerror.Io, "create scratch directory", err)
	}
	cleanup := func() {
		releaseLock()
		if !o.Config.KeepScratchOnError {
			chunk.RemoveScratchDir(scratch)
		}
	}

	names, err := o.peekExtract(ctx, stream, scratch)
	stream.Close()
	if err != nil {
		return nil, cleanup, err
	}

	hdr, backupID, err := o.readHeader(scratch, req.Passphrase)
	if err != nil {
		o.record(restorelog.SourceHeader, "", "header verification failed", err)
		return nil, cleanup, err
	}
	o.record(restorelog.SourceHeader, "", fmt.Sprintf("header verified (version %d, backup-id %s)", hdr.Version, backupID), nil)

	qubesXML, found, err := peekLogical(scratch, names, "qubes.xml", hdr, backupID, req.Passphrase)
	if err != nil {
		return nil, cleanup, err
	}
	if !found {
		return nil, cleanup, rerror.New(rerror.BadHeader, "archive has no qubes.xml member")
	}
	cat, err := catalog.Parse(qubesXML)
	if err != nil {
		return nil, cleanup, err
	}

	hq := &liveHostQuery{host: o.Host, ctx: ctx}
	policy := plan.Policy{
		Include:               req.Include,
		Exclude:               req.Exclude,
		RenameOnConflict:      o.Config.RenameOnConflict,
		SkipBroken:            o.Config.SkipBroken,
		DefaultTemplate:       o.Config.DefaultTemplate,
		DefaultNetVM:          o.Config.DefaultNetVM,
		AllowUsernameOverride: false,
	}
	entries := plan.Build(cat, hq, policy)
	o.record(restorelog.SourcePlan, "", fmt.Sprintf("plan built: %d VM(s)", len(entries)), nil)

	dom0Logical, archiveUsername, hasDom0 := findDom0Logical(names)
	var dom0Entry *plan.Entry
	if hasDom0 {
		dom0Entry = plan.BuildDom0Entry(archiveUsername, req.HostUsername, policy)
	}

	return &Plan{
		Header:      hdr,
		BackupID:    backupID,
		Catalog:     cat,
		Entries:     entries,
		Dom0:        dom0Entry,
		dom0Logical: dom0Logical,
	}, cleanup, nil
}

// peekExtract runs the plan-building extraction pass: only the
// backup-header and qubes.xml members are written to scratch, and a
// dom0-home member is only probed for (named, never persisted). This
// keeps plan-building's scratch footprint small regardless of the
// archive's total size; the full extraction happens later in
// dispatchAll.
func (o *Orchestrator) peekExtract(ctx context.Context, stream io.Reader, scratch string) ([]string, error) {
	queue := chunk.NewQueue(64)
	extractErrCh := make(chan error, 1)
	go func() {
		extractErrCh <- extract.Run(&cancelableReader{ctx: ctx, r: stream}, extract.Options{
			ScratchDir:    scratch,
			Filter:        []string{"backup-header", "qubes.xml"},
			ProbeFilter:   []string{"dom0-home/"},
			MaxFiles:      o.Config.MaxFiles,
			MaxBytes:      o.Config.MaxBytes,
			LowWaterBytes: o.Config.LowWaterBytes,
			PollInterval:  config.PollInterval,
		}, queue)
	}()

	var names []string
	extractFailed := false
	for name := range queue.Chan() {
		if name == chunk.EOF {
			break
		}
		if name == chunk.ErrorToken {
			extractFailed = true
			break
		}
		names = append(names, name)
	}
	extractErr := <-extractErrCh
	if extractFailed && extractErr != nil {
		return nil, extractErr
	}
	return names, nil
}

// Run performs the full restore end to end.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Report, error) {
	p, cleanup, err := o.buildPlan(ctx, req)
	if cleanup != nil {
		defer cleanup()
	}
	if err != nil {
		return &Report{ExitCode: exitCodeFor(err), Err: err}, err
	}

	if req.VerifyOnly {
		return &Report{Plan: p, ExitCode: 0}, nil
	}

	anyBroken := false
	for _, e := range p.Entries {
		if !e.GoodToGo() {
			anyBroken = true
			break
		}
	}
	if anyBroken && !o.Config.SkipBroken {
		err := rerror.New(rerror.DependencyMissing, "one or more VMs have unresolved dependencies and skip-broken is disabled")
		o.record(restorelog.SourceSystem, "", "restore aborted before creating any VM", err)
		return &Report{Plan: p, ExitCode: exitCodeFor(err), Err: err}, err
	}

	dom0OK := p.Dom0 != nil && p.Dom0.GoodToGo()
	dom0Failed := p.Dom0 != nil && !p.Dom0.GoodToGo()

	created, err := o.createVMs(ctx, p)
	if err != nil {
		o.destroyAll(ctx, created)
		return &Report{Plan: p, ExitCode: exitCodeFor(err), Err: err}, err
	}

	handlersMap := o.buildHandlers(p, created, dom0OK)
	results, dispatchErr := o.dispatchAll(ctx, req, p, handlersMap)

	failedBases := failedBaseNames(results)
	if dispatchErr != nil {
		// A fatal dispatch abort (cancellation, a corrupted stream) may
		// leave some created VMs with no recorded outcome at all: they
		// never got far enough to either succeed or fail a handler.
		// Treat "created but never reached" the same as "reached and
		// failed" so an interrupted restore doesn't keep a half-restored
		// VM around just because its chunks never arrived.
		done := make(map[string]bool, len(results))
		for _, r := range results {
			if r.Err == nil {
				done[baseName(r.Logical)] = true
			}
		}
		for _, base := range created {
			if !done[base] {
				failedBases[base] = true
			}
		}
	}
	var kept, rolledBack []string
	for target, base := range created {
		if failedBases[base] {
			o.Host.Destroy(ctx, target)
			o.Store.Upsert(&vmstore.Record{ID: p.BackupID + "/" + target, BackupID: p.BackupID, SourceName: base, TargetName: target, Status: "rolled_back", CreatedByUs: true, StartedAt: time.Now(), FinishedAt: time.Now()})
			o.record(restorelog.SourceVM, target, "rolled back after dispatch failure", nil)
			rolledBack = append(rolledBack, target)
			continue
		}
		o.Store.Upsert(&vmstore.Record{ID: p.BackupID + "/" + target, BackupID: p.BackupID, SourceName: base, TargetName: target, Status: "created", CreatedByUs: true, StartedAt: time.Now(), FinishedAt: time.Now()})
		o.record(restorelog.SourceVM, target, "restore complete", nil)
		kept = append(kept, target)
	}

	o.applyPostImportFixups(ctx, p, kept)

	report := &Report{Plan: p, Created: kept, RolledBack: rolledBack, Results: results}
	switch {
	case dispatchErr != nil:
		report.Err = dispatchErr
		report.ExitCode = exitCodeFor(dispatchErr)
	case len(rolledBack) > 0 || hasFailure(results) || dom0Failed:
		report.Err = rerror.New(rerror.HandlerFailed, "one or more logical files failed to restore")
		report.ExitCode = 1
	default:
		report.ExitCode = 0
	}
	o.record(restorelog.SourceSystem, "", fmt.Sprintf("restore finished: %d created, %d rolled back, exit %d", len(kept), len(rolledBack), report.ExitCode), report.Err)
	return report, report.Err
}

func hasFailure(results []dispatch.Result) bool {
	for _, r := range results {
		if r.Err != nil {
			return true
		}
	}
	return false
}

func baseName(logical string) string {
	if i := strings.IndexByte(logical, '/'); i >= 0 {
		return logical[:i]
	}
	return logical
}

func failedBaseNames(results []dispatch.Result) map[string]bool {
	out := make(map[string]bool)
	for _, r := range results {
		if r.Err != nil && !isNonFatalFailure(r.Logical) {
			out[baseName(r.Logical)] = true
		}
	}
	return out
}

// isNonFatalFailure reports whether a failed logical file should be
// recorded without marking its VM for rollback: handle_firewall errors
// are logged, not fatal, so a corrupt firewall.xml never destroys an
// otherwise fully-imported VM.
func isNonFatalFailure(logical string) bool {
	return strings.HasSuffix(logical, "/firewall.xml")
}

// createVMs executes step 7: create VMs in dependency order, one tier
// at a time, registering properties/tags/features/devices. Returns a
// map from the VM's host-facing target name to its archive base name
// (the original catalog name, used later to key dispatch handlers and
// decide rollback), covering only VMs this call itself created.
func (o *Orchestrator) createVMs(ctx context.Context, p *Plan) (map[string]string, error) {
	created := make(map[string]string)
	for _, tier := range plan.CreationOrder(p.Entries) {
		for _, e := range tier {
			if err := ctx.Err(); err != nil {
				return created, rerror.Wrap(rerror.Cancelled, "restore cancelled during VM creation", err)
			}
			if err := o.Host.Create(ctx, e.TargetName, vmhost.Class(e.Source.Class), e.ResolvedTemplate, e.Source.Label); err != nil {
				wrapped := rerror.Wrap(rerror.HandlerFailed, fmt.Sprintf("create VM %s", e.TargetName), err)
				o.record(restorelog.SourceVM, e.TargetName, "create failed", wrapped)
				return created, wrapped
			}
			created[e.TargetName] = e.Source.Name
			o.record(restorelog.SourceVM, e.TargetName, "created", nil)

			for key, value := range e.Source.Properties {
				o.Host.SetProperty(ctx, e.TargetName, key, value) // non-essential: logged by caller's logging layer, not fatal
			}
			if e.ResolvedTemplate != "" {
				o.Host.SetProperty(ctx, e.TargetName, "template", e.ResolvedTemplate)
			}
			for key, value := range e.Source.Features {
				o.Host.SetFeature(ctx, e.TargetName, key, value)
			}
			for tag := range e.Source.Tags {
				o.Host.AddTag(ctx, e.TargetName, tag)
			}
			for _, dev := range e.Source.Devices {
				o.Host.AttachDevice(ctx, e.TargetName, vmhost.DeviceAssignment{
					Backend:      dev.Backend,
					Ident:        dev.Bus + ":" + dev.Port,
					FrontendArgs: dev.FrontendArgs,
					RequiredBy:   dev.RequiredBy,
				})
			}
		}
	}
	return created, nil
}

// buildHandlers registers the per-logical-file handlers for every VM
// created this run, keyed by the archive's original name: a rename on
// conflict changes TargetName but the archive path still routes to the
// dispatcher under the original key. Also registers the dom0-home
// handler when the username check passed.
func (o *Orchestrator) buildHandlers(p *Plan, created map[string]string, dom0OK bool) map[string]dispatch.Handler {
	out := make(map[string]dispatch.Handler)
	out["qubes.xml"] = handlers.NewSaveQubesXML(filepath.Join(o.Config.DataDir, "restores", p.BackupID, "qubes.xml"))

	targetOf := make(map[string]string, len(created))
	for target, base := range created {
		targetOf[base] = target
	}
	for _, e := range p.Entries {
		target, ok := targetOf[e.Source.Name]
		if !ok {
			continue // not created this run (already existed, or skipped as broken)
		}
		base := e.Source.Name
		out[base+"/private.img"] = handlers.NewVolumeHandler(o.Host, target, vmhost.VolumePrivate)
		out[base+"/root.img"] = handlers.NewVolumeHandler(o.Host, target, vmhost.VolumeRoot)
		out[base+"/volatile.img"] = handlers.NewVolumeHandler(o.Host, target, vmhost.VolumeVolatile)
		out[base+"/kernel.img"] = handlers.NewVolumeHandler(o.Host, target, vmhost.VolumeKernel)
		out[base+"/firewall.xml"] = handlers.NewFirewallHandler(o.Host, target)
		out[base+"/whitelisted-appmenus.list"] = handlers.NewAppmenusHandler(o.Host, target)
		out[base+"/notes.txt"] = handlers.NewNotesHandler(o.Host, target)
	}

	if dom0OK && p.dom0Logical != "" {
		username := strings.TrimSuffix(strings.TrimPrefix(p.dom0Logical, "dom0-home/"), ".")
		out[p.dom0Logical] = handlers.NewDom0HomeHandler(o.Host, username, time.Now())
	}
	return out
}

// dispatchQueueDepth bounds the chunk.Queue connecting the outer
// extractor to the dispatcher during the real dispatch pass: small
// enough that a stalled dispatcher (waiting on a slow handler) applies
// real backpressure to extraction, rather than letting the queue
// absorb the whole archive.
const dispatchQueueDepth = 64

// dispatchAll performs step 8: it re-opens the archive source and
// re-extracts it end to end, this time unfiltered, running the outer
// extractor and the handler dispatcher concurrently off one
// chunk.Queue. The dispatcher's own feed() deletes each chunk file
// immediately after reading it, so steady-state scratch occupancy
// stays bounded by the in-flight logical files rather than growing to
// the size of the whole archive — qubes.xml and every other member are
// re-extracted here (not replayed from the plan-building peek pass) so
// they all flow through the real per-VM handlers, including
// save_qubes_xml.
func (o *Orchestrator) dispatchAll(ctx context.Context, req Request, p *Plan, handlersMap map[string]dispatch.Handler) ([]dispatch.Result, error) {
	stream, err := o.openSource(ctx, req)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	scratch, err := chunk.NewScratchDir(o.Config.ScratchRoot)
	if err != nil {
		return nil, rerror.Wrap(rerror.Io, "create dispatch scratch directory", err)
	}
	defer func() {
		if !o.Config.KeepScratchOnError {
			chunk.RemoveScratchDir(scratch)
		}
	}()

	extracted := chunk.NewQueue(dispatchQueueDepth)
	extractErrCh := make(chan error, 1)
	go func() {
		extractErrCh <- extract.Run(&cancelableReader{ctx: ctx, r: stream}, extract.Options{
			ScratchDir:    scratch,
			MaxFiles:      o.Config.MaxFiles,
			MaxBytes:      o.Config.MaxBytes,
			LowWaterBytes: o.Config.LowWaterBytes,
			PollInterval:  config.PollInterval,
		}, extracted)
	}()

	// Relay chunk names to the dispatcher one at a time as extraction
	// produces them (no buffering beyond dispatchQueueDepth), except
	// turn a cancellation-caused ErrorToken into an ordinary EOF: a
	// cancelled restore should flush whatever logical file the
	// dispatcher already has fully in hand rather than fail it just
	// because cancellation happened to land between two of its chunks.
	queue := chunk.NewQueue(dispatchQueueDepth)
	go func() {
		for name := range extracted.Chan() {
			if name == chunk.ErrorToken && ctx.Err() != nil {
				queue.Push(chunk.EOF)
				break
			}
			queue.Push(name)
			if name == chunk.EOF || name == chunk.ErrorToken {
				break
			}
		}
		queue.Close()
	}()

	d := &dispatch.Dispatcher{
		ScratchDir: scratch,
		Header:     p.Header,
		BackupID:   p.BackupID,
		Passphrase: req.Passphrase,
		Handlers:   handlersMap,
	}
	results, runErr := d.Run(queue)
	extractErr := <-extractErrCh

	if ctxErr := ctx.Err(); ctxErr != nil {
		return results, rerror.Wrap(rerror.Cancelled, "restore cancelled during dispatch", ctxErr)
	}
	if runErr != nil {
		return results, runErr
	}
	return results, extractErr
}

// applyPostImportFixups executes step 9: now that every target VM
// exists, resolve and set inter-VM references that could not be set
// before all targets were created.
func (o *Orchestrator) applyPostImportFixups(ctx context.Context, p *Plan, kept []string) {
	keptSet := make(map[string]bool, len(kept))
	for _, k := range kept {
		keptSet[k] = true
	}
	targetOf := make(map[string]string)
	for _, e := range p.Entries {
		targetOf[e.Source.Name] = e.TargetName
	}
	for _, e := range p.Entries {
		if !keptSet[e.TargetName] {
			continue
		}
		if e.ResolvedNetVM != "" {
			netvmTarget := e.ResolvedNetVM
			if t, ok := targetOf[e.ResolvedNetVM]; ok {
				netvmTarget = t
			}
			o.Host.SetProperty(ctx, e.TargetName, "netvm", netvmTarget)
		}
	}
}

func (o *Orchestrator) destroyAll(ctx context.Context, created map[string]string) {
	for target := range created {
		o.Host.Destroy(ctx, target)
	}
}

func (o *Orchestrator) defaultOpenSource(ctx context.Context, req Request) (io.ReadCloser, error) {
	if req.SourcePath != "" {
		return source.OpenFile(req.SourcePath)
	}
	return source.OpenRPC(ctx, req.SourceRPCName, req.SourceRPCArgs, o.Config.StderrCaptureBytes)
}

// readHeader reads and authenticates the plaintext backup-header,
// independent of the chunked HandlerDispatcher path: "backup-header"
// and its companion file carry no chunk ordinal, so they are
// never dispatched through internal/dispatch and must be handled
// directly here, before any chunk-derived handler is trusted.
func (o *Orchestrator) readHeader(scratch string, passphrase string) (*header.Header, string, error) {
	path := filepath.Join(scratch, "backup-header")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, "", rerror.Wrap(rerror.Io, "read backup-header", err)
		}
		if !o.Config.AllowLegacyVersions {
			return nil, "", rerror.New(rerror.UnsupportedVersion, "archive has no backup-header and legacy versions are disabled")
		}
		if hasLegacyHMACChunks(scratch) {
			hdr := header.SyntheticLegacyV2()
			return hdr, "", nil
		}
		return header.SyntheticV1(), "", nil
	}

	// Verification happens against the raw header bytes before the
	// header is parsed: which companion file exists is a filesystem
	// fact, not a claim the still-unverified header content gets to
	// make, so this never trusts hdr.HMACAlgorithm to pick its own
	// verifier.
	macPath := path + ".hmac"
	encPath := path + ".enc"
	verified := false
	switch {
	case fileExists(macPath):
		if err := verifyHeaderMAC(o.Config.DigestPreference, passphrase, data, macPath); err != nil {
			return nil, "", err
		}
		verified = true
	case fileExists(encPath):
		enc, err := os.ReadFile(encPath)
		if err != nil {
			return nil, "", rerror.Wrap(rerror.Io, "read backup-header.enc", err)
		}
		if _, err := pipeline.DecryptAEADFile("", "backup-header", passphrase, enc); err != nil {
			return nil, "", err
		}
		verified = true
	}

	hdr, err := header.Parse(data)
	if err != nil {
		return nil, "", err
	}
	if hdr.Version >= 2 && !verified {
		return nil, "", rerror.New(rerror.BadHeader, "archive header has neither .hmac nor .enc companion")
	}
	return hdr, hdr.BackupID, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// verifyHeaderMAC tries each digest algorithm in preference, in order,
// against the raw header bytes and the backup-header.hmac companion,
// the first one whose verification succeeds wins. This is the header's
// own bootstrapping step: trying candidates rather than reading
// hmac-algorithm out of the header is what makes the verification
// trustworthy in the first place.
func verifyHeaderMAC(preference []string, passphrase string, headerData []byte, macPath string) error {
	info, err := os.Stat(macPath)
	if err != nil {
		return rerror.Wrap(rerror.Io, "stat backup-header.hmac", err)
	}
	if info.Size() > crypto.MaxHMACFileBytes {
		return rerror.New(rerror.BadHeader, fmt.Sprintf(".hmac file exceeds %d bytes", crypto.MaxHMACFileBytes))
	}
	mac, err := os.ReadFile(macPath)
	if err != nil {
		return rerror.Wrap(rerror.Io, "read backup-header.hmac", err)
	}

	tried := make(map[string]bool, len(preference))
	var lastErr error
	for _, algo := range preference {
		algo = strings.ToLower(algo)
		if tried[algo] {
			continue
		}
		tried[algo] = true
		if err := crypto.VerifyHeaderDigest(algo, passphrase, headerData, mac); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = rerror.New(rerror.BadPassphrase, "no configured digest algorithm verified the backup header")
	}
	return lastErr
}

func hasLegacyHMACChunks(scratch string) bool {
	entries, err := os.ReadDir(scratch)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if n, ok := chunk.ParseName(e.Name()); ok && n.Suffix == ".hmac" {
			return true
		}
	}
	return false
}

// findDom0Logical scans the buffered chunk names for the archive's
// dom0-home member, returning the exact logical name it was written
// under (so the dispatch handler table can key on it verbatim) and the
// username encoded in it.
func findDom0Logical(names []string) (logical, username string, ok bool) {
	for _, name := range names {
		n, parsed := chunk.ParseName(name)
		if !parsed || !strings.HasPrefix(n.Logical, "dom0-home/") {
			continue
		}
		username = strings.TrimSuffix(strings.TrimPrefix(n.Logical, "dom0-home/"), ".")
		return n.Logical, username, true
	}
	return "", "", false
}

// peekLogical reconstructs one logical file's plaintext from the small
// peek-pass scratch directory, so the Orchestrator can read qubes.xml
// before it knows which per-VM handlers to register. It duplicates a
// narrow slice of internal/dispatch's verify/decrypt logic rather than
// draining the queue through a Dispatcher, because the Orchestrator
// needs this one logical file's content before it can build the
// handler table the real dispatch pass requires. It operates on the
// peek pass's own scratch directory, which is removed wholesale by
// buildPlan's cleanup once the plan is built; qubes.xml is extracted
// again, independently, during the real dispatch pass.
func peekLogical(scratch string, names []string, logical string, hdr *header.Header, backupID, passphrase string) ([]byte, bool, error) {
	var buf bytes.Buffer
	nextOrdinal := 0
	var pendingData []byte
	pendingOK := false
	found := false

	for _, name := range names {
		n, ok := chunk.ParseName(name)
		if !ok || n.Logical != logical {
			continue
		}
		found = true
		path := filepath.Join(scratch, name)

		switch n.Suffix {
		case ".hmac":
			mac, err := os.ReadFile(path)
			if err != nil {
				return nil, true, rerror.Wrap(rerror.Io, "read hmac chunk", err)
			}
			if !pendingOK || n.Ordinal != nextOrdinal {
				return nil, true, rerror.New(rerror.HandlerFailed, "chunk ordinal gap in "+logical)
			}
			if err := crypto.VerifyHMAC(hdr.HMACAlgorithm, passphrase, pendingData, string(mac)); err != nil {
				return nil, true, err
			}
			buf.Write(pendingData)
			pendingData, pendingOK = nil, false
			nextOrdinal++

		case ".enc", "":
			if n.Ordinal != nextOrdinal {
				return nil, true, rerror.New(rerror.HandlerFailed, "chunk ordinal gap in "+logical)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, true, rerror.Wrap(rerror.Io, "read chunk", err)
			}
			if n.Suffix == ".enc" {
				buf.Write(data)
				nextOrdinal++
				continue
			}
			if hdr.HMACAlgorithm == "" {
				buf.Write(data)
				nextOrdinal++
				continue
			}
			pendingData, pendingOK = data, true
		}
	}

	if !found {
		return nil, false, nil
	}

	data := buf.Bytes()
	if hdr.Version >= 4 {
		plain, err := pipeline.DecryptAEADFile(backupID, logical, passphrase, data)
		if err != nil {
			return nil, true, err
		}
		data = plain
	}

	r, err := pipeline.Open(hdr, passphrase, bytes.NewReader(data))
	if err != nil {
		return nil, true, err
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, true, rerror.Wrap(rerror.Io, "decode "+logical, err)
	}
	return plain, true, nil
}

// liveHostQuery adapts vmhost.Host to plan.HostQuery.
type liveHostQuery struct {
	host vmhost.Host
	ctx  context.Context
}

func (q *liveHostQuery) Exists(name string) bool {
	ok, _ := q.host.Exists(q.ctx, name)
	return ok
}

func (q *liveHostQuery) ClassOf(name string) (catalog.Class, bool) {
	// The live Host interface does not expose a class lookup for an
	// arbitrary existing VM (the VM object boundary has no such
	// operation); a real
	// binding resolves this from its own inventory. Absent that, class
	// compatibility checks fall back to "exists implies compatible",
	// which only loosens template/netvm resolution, never tightens it.
	if q.Exists(name) {
		return catalog.ClassTemplateVM, true
	}
	return "", false
}

// exitCodeFor maps a fatal error's rerror.Kind to the exit codes in
// 0 success, 1 user-visible failure, 2 argument error, >=64
// internal.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 1
	}
	kind, ok := rerror.KindOf(err)
	if !ok {
		return 64
	}
	switch kind {
	case rerror.BadPassphrase, rerror.DependencyMissing, rerror.Cancelled, rerror.HandlerFailed:
		return 1
	case rerror.BadHeader, rerror.UnsupportedVersion:
		return 1
	default:
		return 64
	}
}

// cancelableReader wraps a stream so extract.Run observes cancellation
// as an ordinary read error, causing it to push chunk.ErrorToken and
// unwind exactly as it does for any other I/O failure: observed
// cancellation drains the queue with an error token.
type cancelableReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *cancelableReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
