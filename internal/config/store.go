// Package config implements the on-disk volume registry: a single YAML file
// read in full, held in memory for the life of a command invocation, and
// replaced atomically on persist. It is the Go analogue of the source's
// Configuration/PersistentConfiguration pair, split here into a plain data
// type (Volume, in volume.go) and a Store that owns the file lifecycle.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/topolvm/vdoctl/internal/exec"
	"github.com/topolvm/vdoctl/internal/vdoerr"
)

// warningBanner is the fixed machine-generated comment block prepended to
// every file this package writes.
const warningBanner = "####### THIS FILE IS MACHINE GENERATED.  DO NOT EDIT. #######\n" +
	"####### ANY CHANGES MADE HERE WILL BE LOST.            #######\n"

// CurrentVersion is the schema version this binary writes. It matches the
// value the original tooling has used since the VDO 6.2 on-disk format.
const CurrentVersion = 0x20170907

// supportedVersions lists every version this binary can still read.
var supportedVersions = map[int]struct{}{
	CurrentVersion: {},
}

// DefaultPath is used when no --confFile is given.
const DefaultPath = "/etc/vdoconf.yml"

// SingletonLockPath is the well-known lock-file path for the singleton table.
// No package acquires it: internal/dispatch serializes invocations with a
// per-configuration-path lock file under /var/lock/vdo instead.
const SingletonLockPath = "/var/lock/vdo-config-singletons"

type fileFormat struct {
	Config configBody `yaml:"config"`
}

type configBody struct {
	Version int                    `yaml:"version"`
	VDOs    map[string]*yamlVolume `yaml:"vdos"`
}

// Store holds an in-memory copy of the registry plus enough state to persist
// it back. Stores are not safe for concurrent use; callers serialize access
// with internal/lock before constructing one.
type Store struct {
	path     string
	readonly bool
	volumes  map[string]*Volume
	order    []string
}

// Load reads path into a Store. If the file does not exist:
//   - mustExist true  → returns a KindUser *vdoerr.Error (operations that
//     require an existing registry, e.g. status/remove).
//   - mustExist false → returns an empty, writable Store (operations that
//     may create the registry, e.g. the first `create`).
func Load(path string, readonly, mustExist bool) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if mustExist {
				return nil, vdoerr.User("configuration file %q does not exist", path)
			}
			return &Store{path: path, readonly: readonly, volumes: map[string]*Volume{}}, nil
		}
		return nil, vdoerr.System("reading configuration file %q: %v", path, err)
	}

	if len(raw) == 0 {
		return &Store{path: path, readonly: readonly, volumes: map[string]*Volume{}}, nil
	}

	var ff fileFormat
	if err := yaml.Unmarshal(raw, &ff); err != nil {
		return nil, vdoerr.User("configuration file %q is not valid: %v", path, err)
	}

	if _, ok := supportedVersions[ff.Config.Version]; !ok {
		return nil, vdoerr.User("configuration file %q has unsupported schema version 0x%x", path, ff.Config.Version)
	}

	s := &Store{path: path, readonly: readonly, volumes: make(map[string]*Volume, len(ff.Config.VDOs))}
	names := make([]string, 0, len(ff.Config.VDOs))
	for name := range ff.Config.VDOs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v, err := fromYAMLVolume(name, ff.Config.VDOs[name])
		if err != nil {
			return nil, vdoerr.User("configuration file %q: %v", path, err)
		}
		s.volumes[name] = v
		s.order = append(s.order, name)
	}
	return s, nil
}

// GetVolume returns the named volume, or an error if it is not present.
func (s *Store) GetVolume(name string) (*Volume, error) {
	v, ok := s.volumes[name]
	if !ok {
		return nil, vdoerr.User("no volume named %q is known", name)
	}
	return v, nil
}

// IsDeviceConfigured reports whether device backs any known volume, and
// names the conflicting volume if so. Grounds invariant 5 (global device
// uniqueness) from the data model.
func (s *Store) IsDeviceConfigured(device string) (string, bool) {
	for _, name := range s.order {
		if s.volumes[name].Device == device {
			return name, true
		}
	}
	return "", false
}

// AllVolumes returns every volume in stable (sorted by name) order.
func (s *Store) AllVolumes() []*Volume {
	out := make([]*Volume, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.volumes[name])
	}
	return out
}

// AddOrReplaceVolume inserts v, keyed by v.Name. Replacing an existing entry
// preserves its position in iteration order.
func (s *Store) AddOrReplaceVolume(v *Volume) {
	if s.readonly {
		panic("config: AddOrReplaceVolume called on a read-only store")
	}
	if _, exists := s.volumes[v.Name]; !exists {
		s.order = append(s.order, v.Name)
		sort.Strings(s.order)
	}
	s.volumes[v.Name] = v
}

// RemoveVolume deletes the named volume. It is a no-op if the volume is
// already absent, since Remove must be idempotent under the recovery rules.
func (s *Store) RemoveVolume(name string) {
	if s.readonly {
		panic("config: RemoveVolume called on a read-only store")
	}
	if _, ok := s.volumes[name]; !ok {
		return
	}
	delete(s.volumes, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Persist atomically replaces the backing file with the current contents.
// An empty registry deletes the file instead of writing an empty document,
// matching the source's behavior of never leaving a stale zero-volume file
// around after the last `remove`. In the process-wide dry-run mode, the
// rendered YAML is printed to standard output instead and no file is
// touched.
func (s *Store) Persist() error {
	if s.readonly {
		panic("config: Persist called on a read-only store")
	}

	if exec.DryRun() {
		out, err := s.AsUserYaml()
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	}

	if len(s.volumes) == 0 {
		err := os.Remove(s.path)
		if err != nil && !os.IsNotExist(err) {
			return vdoerr.System("removing empty configuration file %q: %v", s.path, err)
		}
		return nil
	}

	out, err := s.render()
	if err != nil {
		return err
	}
	return atomicWriteFile(s.path, out, 0644)
}

// PersistIfPossible is Persist under the name used by recovery and rollback
// paths. It returns Persist's error unchanged and logs nothing itself; when
// it runs as an undo stage, txn.Scope logs and swallows that error so it
// cannot mask the error that triggered the rollback.
func (s *Store) PersistIfPossible() error {
	return s.Persist()
}

// AsUserYaml renders the in-memory registry for printConfigFile, which must
// reflect the current in-memory state (including a not-yet-persisted
// mutation within the same dispatch) rather than re-reading the file.
func (s *Store) AsUserYaml() (string, error) {
	out, err := s.render()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (s *Store) render() ([]byte, error) {
	ff := fileFormat{Config: configBody{
		Version: CurrentVersion,
		VDOs:    make(map[string]*yamlVolume, len(s.volumes)),
	}}
	for name, v := range s.volumes {
		ff.Config.VDOs[name] = toYAMLVolume(v)
	}

	body, err := yaml.Marshal(&ff)
	if err != nil {
		return nil, vdoerr.Developer("marshaling configuration: %v", err)
	}
	return append([]byte(warningBanner), body...), nil
}

// atomicWriteFile writes data to path+".new", fsyncs it, renames it over
// path, then fsyncs the containing directory so the rename itself is
// durable across a crash. This is the same replace-don't-edit discipline
// the source's persist() uses via a "<path>.new" temp file plus os.rename.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpPath := path + ".new"
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return vdoerr.System("creating temporary configuration file %q: %v", tmpPath, err)
	}
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return vdoerr.System("writing temporary configuration file %q: %v", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return vdoerr.System("syncing temporary configuration file %q: %v", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return vdoerr.System("closing temporary configuration file %q: %v", tmpPath, err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return vdoerr.System("setting permissions on %q: %v", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return vdoerr.System("renaming %q to %q: %v", tmpPath, path, err)
	}

	dirHandle, err := os.Open(dir)
	if err != nil {
		return vdoerr.System("opening directory %q to sync: %v", dir, err)
	}
	defer dirHandle.Close()
	if err := dirHandle.Sync(); err != nil {
		return vdoerr.System("syncing directory %q: %v", dir, err)
	}
	return nil
}

