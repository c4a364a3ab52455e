// qvrestore restores a compartmentalized-OS VM backup archive.
//
// Commands:
//
//	qvrestore restore      Restore an archive, creating/resolving VMs
//	qvrestore verify-only  Build and print the restore plan without touching any VM
//	qvrestore version      Print the build version
//	qvrestore help         Print this message
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"strings"
	"syscall"

	"github.com/outpostvm/qvrestore/internal/config"
	"github.com/outpostvm/qvrestore/internal/orchestrator"
	"github.com/outpostvm/qvrestore/internal/restorelog"
	"github.com/outpostvm/qvrestore/internal/rerror"
	"github.com/outpostvm/qvrestore/internal/version"
	"github.com/outpostvm/qvrestore/internal/vmstore"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "restore":
		cmdRestore(os.Args[2:], false)
	case "verify-only":
		cmdRestore(os.Args[2:], true)
	case "version", "--version", "-v":
		fmt.Printf("qvrestore %s\n", version.Version())
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`Usage: qvrestore <command> [options]

Commands:
  restore       Restore an archive, creating/resolving VMs
  verify-only   Build and print the restore plan without touching any VM
  version       Print the build version
  help          Print this message

Options (restore, verify-only):
  --file PATH          Read the archive from a local file
  --rpc NAME [ARGS...] Read the archive via a qrexec-style call to NAME
  --passphrase PASS    Archive passphrase (omit to read QVRESTORE_PASSPHRASE)
  --include NAME       Restore only the named VM(s) (repeatable)
  --exclude NAME       Skip the named VM(s) (repeatable)
  --data-dir PATH      Override the default ~/.qvrestore runtime directory
  --policy PATH        Load an optional YAML policy override file

Examples:
  qvrestore verify-only --file /mnt/backup/qubes-backup-2026-07-01
  qvrestore restore --file /mnt/backup/qubes-backup-2026-07-01 --include work
  qvrestore restore --rpc qubes.RestoreV2 sys-usb -- --passphrase-fd 3`)
}

type restoreFlags struct {
	filePath   string
	rpcName    string
	rpcArgs    []string
	passphrase string
	include    []string
	exclude    []string
	dataDir    string
	policyPath string
}

func parseRestoreFlags(args []string) restoreFlags {
	var f restoreFlags
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--file":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--file requires a value")
				os.Exit(1)
			}
			f.filePath = args[i+1]
			i++
		case "--rpc":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--rpc requires a name")
				os.Exit(1)
			}
			f.rpcName = args[i+1]
			i++
			for i+1 < len(args) && args[i+1] != "--" {
				f.rpcArgs = append(f.rpcArgs, args[i+1])
				i++
			}
			if i+1 < len(args) && args[i+1] == "--" {
				i++
				f.rpcArgs = append(f.rpcArgs, args[i+1:]...)
				i = len(args)
			}
		case "--passphrase":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--passphrase requires a value")
				os.Exit(1)
			}
			f.passphrase = args[i+1]
			i++
		case "--include":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--include requires a value")
				os.Exit(1)
			}
			f.include = append(f.include, args[i+1])
			i++
		case "--exclude":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--exclude requires a value")
				os.Exit(1)
			}
			f.exclude = append(f.exclude, args[i+1])
			i++
		case "--data-dir":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--data-dir requires a value")
				os.Exit(1)
			}
			f.dataDir = args[i+1]
			i++
		case "--policy":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--policy requires a value")
				os.Exit(1)
			}
			f.policyPath = args[i+1]
			i++
		default:
			fmt.Fprintf(os.Stderr, "unknown option: %s\n", args[i])
			os.Exit(1)
		}
	}
	return f
}

func cmdRestore(args []string, verifyOnly bool) {
	f := parseRestoreFlags(args)

	if f.filePath == "" && f.rpcName == "" {
		fmt.Fprintln(os.Stderr, "one of --file or --rpc is required")
		os.Exit(1)
	}
	if f.passphrase == "" {
		f.passphrase = os.Getenv("QVRESTORE_PASSPHRASE")
	}
	if f.passphrase == "" {
		fmt.Fprintln(os.Stderr, "a passphrase is required: pass --passphrase or set QVRESTORE_PASSPHRASE")
		os.Exit(1)
	}

	cfg := config.Default()
	if f.dataDir != "" {
		cfg.DataDir = f.dataDir
		cfg.ScratchRoot = cfg.DataDir + "/scratch"
		cfg.LockPath = cfg.DataDir + "/restore.lock"
		cfg.DBPath = cfg.DataDir + "/restore.db"
		cfg.VolumeDir = cfg.DataDir + "/volumes"
	}
	if f.policyPath != "" {
		if err := cfg.LoadPolicy(f.policyPath); err != nil {
			fmt.Fprintf(os.Stderr, "load policy: %v\n", err)
			os.Exit(1)
		}
	}
	if err := cfg.EnsureDirs(); err != nil {
		fmt.Fprintf(os.Stderr, "prepare runtime directories: %v\n", err)
		os.Exit(1)
	}

	store, err := vmstore.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open restore store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	host := vmstore.NewLocalHost(store, cfg.VolumeDir)

	log, err := restorelog.New(cfg.DataDir + "/restore-events.ndjson")
	if err != nil {
		fmt.Fprintf(os.Stderr, "open restore log: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	o := orchestrator.New(cfg, host, store, log)

	req := orchestrator.Request{
		SourcePath:    f.filePath,
		SourceRPCName: f.rpcName,
		SourceRPCArgs: f.rpcArgs,
		Passphrase:    f.passphrase,
		HostUsername:  hostPrimaryUsername(),
		Include:       f.include,
		Exclude:       f.exclude,
		VerifyOnly:    verifyOnly,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if verifyOnly {
		plan, err := o.Plan(ctx, req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "build plan: %v\n", err)
			os.Exit(exitCodeForCLI(err))
		}
		fmt.Print(plan.Summary())
		return
	}

	report, err := o.Run(ctx, req)
	if report != nil && report.Plan != nil {
		fmt.Print(report.Plan.Summary())
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "restore failed: %v\n", err)
	}
	if report != nil {
		fmt.Printf("created: %s\n", strings.Join(report.Created, ", "))
		if len(report.RolledBack) > 0 {
			fmt.Printf("rolled back: %s\n", strings.Join(report.RolledBack, ", "))
		}
		os.Exit(report.ExitCode)
	}
	os.Exit(exitCodeForCLI(err))
}

// exitCodeForCLI mirrors internal/orchestrator's own exit code mapping
// for the rare case Run returns a nil *Report alongside a non-nil
// error (failure before a Plan could even be built).
func exitCodeForCLI(err error) int {
	if err == nil {
		return 0
	}
	if _, ok := rerror.KindOf(err); ok {
		return 1
	}
	return 64
}

// hostPrimaryUsername resolves the invoking user's name from the OS
// user database, never from anything the archive supplies.
func hostPrimaryUsername() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		return sudoUser
	}
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return u.Username
}
