// Package plan builds and resolves the restore plan: one entry per
// catalog VM plus an optional dom0-home
// entry, with conflict renaming, template/netvm resolution, and the
// closed problem set.
//
// Grounded on internal/registry/instances.go's record
// shape (a plain struct plus an upsert-style builder), generalized
// here from a persistence record into a decision record that the
// Orchestrator consumes before touching any VM.
package plan

import (
	"fmt"

	"github.com/outpostvm/qvrestore/internal/catalog"
)

// Problem is one of the closed set of planning problems.
type Problem string

const (
	Excluded         Problem = "EXCLUDED"
	AlreadyExists    Problem = "ALREADY_EXISTS"
	MissingTemplate  Problem = "MISSING_TEMPLATE"
	MissingNetVM     Problem = "MISSING_NETVM"
	MissingKernel    Problem = "MISSING_KERNEL"
	UsernameMismatch Problem = "USERNAME_MISMATCH"
)

// Entry is one planned VM restoration.
type Entry struct {
	Source           *catalog.VM
	TargetName       string // may differ from Source.Name after a rename
	ResolvedTemplate string
	ResolvedNetVM    string
	Problems         []Problem
}

// GoodToGo reports whether the entry has no outstanding problems
// ("good to go" means the problem set is empty).
func (e *Entry) GoodToGo() bool {
	return len(e.Problems) == 0
}

func (e *Entry) addProblem(p Problem) {
	e.Problems = append(e.Problems, p)
}

// HostQuery answers the presence/class questions the planner needs
// from the live system without depending on vmhost.Host directly
// (plan is pure decision logic; the orchestrator supplies the query).
type HostQuery interface {
	Exists(name string) bool
	ClassOf(name string) (catalog.Class, bool)
}

// Policy carries the fallback/override knobs from internal/config that
// affect plan resolution.
type Policy struct {
	Include            []string // empty means "include everything"
	Exclude            []string
	RenameOnConflict   bool
	SkipBroken         bool
	DefaultTemplate    string
	DefaultNetVM       string
	AllowUsernameOverride bool
}

// maxRenameSuffix bounds the conflict-rename search ("unique
// numeric suffix up to 99").
const maxRenameSuffix = 99

// Build constructs the restore plan from cat, filtered and resolved
// against host according to policy.
func Build(cat *catalog.Catalog, host HostQuery, policy Policy) []*Entry {
	var entries []*Entry
	used := make(map[string]bool) // target names already claimed by an earlier entry this Build call
	for name, vm := range cat.VMs {
		if name == "dom0" {
			continue // handled separately by BuildDom0Entry
		}
		e := &Entry{Source: vm, TargetName: vm.Name}
		if !passesFilter(vm.Name, policy) {
			e.addProblem(Excluded)
			entries = append(entries, e)
			used[e.TargetName] = true
			continue
		}
		resolveConflict(e, host, used, policy)
		used[e.TargetName] = true
		resolveTemplate(e, cat, host, policy)
		resolveNetVM(e, cat, host, policy)
		entries = append(entries, e)
	}
	return entries
}

// BuildDom0Entry builds the dom0-home plan entry, comparing the
// archive's recorded username against the host's resolved primary
// user. archiveUsername is empty when the archive doesn't include a
// dom0-home member at all, in which case no entry is produced.
func BuildDom0Entry(archiveUsername, hostUsername string, policy Policy) *Entry {
	if archiveUsername == "" {
		return nil
	}
	e := &Entry{TargetName: "dom0"}
	if archiveUsername != hostUsername && !policy.AllowUsernameOverride {
		// Fatal regardless of policy unless a future override flag is
		// introduced; see DESIGN.md Open Question 2: the engine never
		// silently restores dom0-home under an unverified identity.
		e.addProblem(UsernameMismatch)
	}
	return e
}

func passesFilter(name string, policy Policy) bool {
	if len(policy.Include) > 0 && !contains(policy.Include, name) {
		return false
	}
	if contains(policy.Exclude, name) {
		return false
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// resolveConflict renames e.TargetName on collision with either an
// existing host VM or a target name already claimed by an earlier
// entry in the same Build call, so two renamed VMs can never collide
// with each other.
func resolveConflict(e *Entry, host HostQuery, used map[string]bool, policy Policy) {
	if !host.Exists(e.TargetName) && !used[e.TargetName] {
		return
	}
	if !policy.RenameOnConflict {
		e.addProblem(AlreadyExists)
		return
	}
	for i := 1; i <= maxRenameSuffix; i++ {
		candidate := fmt.Sprintf("%s%d", e.TargetName, i)
		if !host.Exists(candidate) && !used[candidate] {
			e.TargetName = candidate
			return
		}
	}
	e.addProblem(AlreadyExists) // exhausted 1..99
}

func resolveTemplate(e *Entry, cat *catalog.Catalog, host HostQuery, policy Policy) {
	template := e.Source.Template
	if template == "" {
		return // no template reference; nothing to resolve
	}
	if _, ok := host.ClassOf(template); ok {
		e.ResolvedTemplate = template
		return
	}
	if vm, ok := cat.VMs[template]; ok && vm.Class == catalog.ClassTemplateVM {
		e.ResolvedTemplate = template
		return
	}
	if policy.DefaultTemplate != "" {
		e.ResolvedTemplate = policy.DefaultTemplate
		return
	}
	e.addProblem(MissingTemplate)
}

func resolveNetVM(e *Entry, cat *catalog.Catalog, host HostQuery, policy Policy) {
	netvm, ok := e.Source.Properties["netvm"]
	if !ok || netvm == "" {
		return // explicit "no netvm" is not a problem
	}
	if _, exists := host.ClassOf(netvm); exists {
		e.ResolvedNetVM = netvm
		return
	}
	if _, inPlan := cat.VMs[netvm]; inPlan {
		e.ResolvedNetVM = netvm
		return
	}
	if policy.DefaultNetVM != "" {
		e.ResolvedNetVM = policy.DefaultNetVM
		return
	}
	e.addProblem(MissingNetVM)
}

// CreationOrder partitions good-to-go entries into the three tiers
// Creation order requires: templates, then DispVM templates, then
// everything else.
func CreationOrder(entries []*Entry) [][]*Entry {
	var templates, dispTemplates, rest []*Entry
	for _, e := range entries {
		if !e.GoodToGo() {
			continue
		}
		switch e.Source.Class {
		case catalog.ClassTemplateVM:
			templates = append(templates, e)
		case catalog.ClassDispVM:
			dispTemplates = append(dispTemplates, e)
		default:
			rest = append(rest, e)
		}
	}
	return [][]*Entry{templates, dispTemplates, rest}
}
