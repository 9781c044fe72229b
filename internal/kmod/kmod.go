// Package kmod manages the kvdo and uds kernel modules: loading, unloading,
// version discovery and runtime log-level control. It invokes modprobe,
// lsmod and modinfo the same way internal/exec's callers invoke dmsetup,
// rather than talking to the module loader directly.
package kmod

import (
	"context"
	"fmt"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/topolvm/vdoctl/internal/exec"
	"github.com/topolvm/vdoctl/internal/logging"
	"github.com/topolvm/vdoctl/internal/validate"
	"github.com/topolvm/vdoctl/internal/vdoerr"
)

// Modules lists the kernel modules the manager depends on, in load order.
// kvdo depends on uds, so uds loads first and unloads last.
var Modules = []string{"uds", "kvdo"}

// Start loads the kernel modules if they are not already present. It is
// idempotent: calling it twice is not an error.
func Start(ctx context.Context) error {
	log := logging.FromContext(ctx)
	for _, m := range Modules {
		loaded, err := moduleLoaded(ctx, m)
		if err != nil {
			return err
		}
		if loaded {
			log.V(1).Info("kernel module already loaded", "module", m)
			continue
		}
		log.Info("loading kernel module", "module", m)
		if _, err := exec.Run(ctx, []string{"modprobe", m}, exec.Options{}); err != nil {
			return vdoerr.System("loading kernel module %q: %v", m, err)
		}
	}
	return nil
}

// Stop unloads the kernel modules in reverse of their load order, skipping
// any module that is not currently loaded. force continues past modules
// that refuse to unload (still busy with a mounted device) instead of
// stopping at the first failure, and returns the first unload error once
// every module has been tried.
func Stop(ctx context.Context, force bool) error {
	log := logging.FromContext(ctx)
	var firstErr error
	for i := len(Modules) - 1; i >= 0; i-- {
		m := Modules[i]
		loaded, err := moduleLoaded(ctx, m)
		if err != nil {
			return err
		}
		if !loaded {
			continue
		}
		log.Info("unloading kernel module", "module", m)
		if _, err := exec.Run(ctx, []string{"modprobe", "-r", m}, exec.Options{}); err != nil {
			wrapped := vdoerr.System("unloading kernel module %q: %v", m, err)
			if !force {
				return wrapped
			}
			if firstErr == nil {
				firstErr = wrapped
			}
			log.Info("continuing past unload failure because force was requested", "module", m, "error", err)
		}
	}
	return firstErr
}

// moduleLoaded reports whether name appears in the running module table.
func moduleLoaded(ctx context.Context, name string) (bool, error) {
	out, err := exec.Run(ctx, []string{"lsmod"}, exec.Options{})
	if err != nil {
		return false, vdoerr.System("listing loaded kernel modules: %v", err)
	}
	return inModuleTable(out, name), nil
}

// inModuleTable parses lsmod's column-aligned text output (module name is
// always the first whitespace-separated field of each line after the
// header) and reports whether name is present.
func inModuleTable(lsmodOutput, name string) bool {
	for _, line := range strings.Split(lsmodOutput, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[0] == name {
			return true
		}
	}
	return false
}

// Running polls lsmod until the kvdo module is present, or returns its
// current state immediately if wait is false. It mirrors the 20-attempt,
// 1-second-interval polling loop the manager uses after issuing modprobe
// asynchronously from a udev rule.
func Running(ctx context.Context, shouldWait bool) (bool, error) {
	if !shouldWait {
		return moduleLoaded(ctx, "kvdo")
	}

	var loaded bool
	err := wait.PollUntilContextTimeout(ctx, time.Second, 20*time.Second, true, func(pollCtx context.Context) (bool, error) {
		var err error
		loaded, err = moduleLoaded(pollCtx, "kvdo")
		if err != nil {
			return false, err
		}
		return loaded, nil
	})
	if err != nil && err != context.DeadlineExceeded {
		return false, err
	}
	return loaded, nil
}

// Version returns the kvdo module's reported version string via modinfo.
func Version(ctx context.Context) (string, error) {
	out, err := exec.Run(ctx, []string{"modinfo", "-F", "version", "kvdo"}, exec.Options{Strip: true})
	if err != nil {
		return "", vdoerr.System("reading kvdo module version: %v", err)
	}
	if out == "" {
		return "", vdoerr.System("kvdo module is not installed")
	}
	return out, nil
}

// logLevelSysfsPath is the kvdo module parameter that controls its runtime
// log verbosity.
const logLevelSysfsPath = "/sys/uds/parameter/log_level"

// SetLogLevel changes the running kvdo/uds module's log level via its sysfs
// module parameter.
func SetLogLevel(ctx context.Context, level string) error {
	lvl, err := validate.ParseLogLevel(level)
	if err != nil {
		return err
	}
	line := fmt.Sprintf("echo %s > %s", lvl, logLevelSysfsPath)
	if _, err := exec.Run(ctx, []string{line}, exec.Options{Shell: true}); err != nil {
		return vdoerr.System("setting kernel module log level: %v", err)
	}
	return nil
}
