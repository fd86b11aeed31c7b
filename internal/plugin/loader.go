package plugin

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	glua "github.com/yuin/gopher-lua"
	"golang.org/x/mod/semver"

	luart "github.com/wrenbot/wren/internal/plugin/lua"
)

// SourceExt is the file extension recognized as a plugin source.
const SourceExt = ".lua"

// Loader turns plugin source files into LuaPlugin instances. Each load
// creates a fresh interpreter state with the runtime API installed,
// executes the file, and validates the plugin table it returns.
type Loader struct {
	env    Env
	logger *slog.Logger
}

// NewLoader creates a loader binding plugins to the given environment.
func NewLoader(env Env, logger *slog.Logger) *Loader {
	return &Loader{env: env, logger: logger}
}

// Discover enumerates candidate plugin source files in dir, sorted by
// name. Files with a leading underscore are treated as shared helper
// files and skipped.
func Discover(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read plugin directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != SourceExt || strings.HasPrefix(name, "_") {
			continue
		}
		paths = append(paths, filepath.Join(dir, name))
	}
	sort.Strings(paths)
	return paths, nil
}

// Load executes one plugin source file and builds its instance. The
// file must return exactly one table describing the plugin; zero or
// multiple return values are load errors.
func (l *Loader) Load(path string) (*LuaPlugin, error) {
	stem := strings.TrimSuffix(filepath.Base(path), SourceExt)

	st := luart.NewState()
	api := newAPIEnv(stem, st, l.env, l.logger)
	api.install()

	vals, err := st.ExecFile(path)
	if err != nil {
		st.Close()
		return nil, &LoadError{Path: path, Err: err}
	}
	if len(vals) != 1 {
		st.Close()
		return nil, &LoadError{Path: path, Err: fmt.Errorf("plugin file must return exactly one plugin table, got %d values", len(vals))}
	}
	tbl, ok := vals[0].(*glua.LTable)
	if !ok {
		st.Close()
		return nil, &LoadError{Path: path, Err: fmt.Errorf("plugin file returned %s, want table", vals[0].Type())}
	}

	meta, err := parseMetadata(tbl)
	if err != nil {
		st.Close()
		return nil, &LoadError{Path: path, Err: err}
	}
	if err := l.checkHostVersion(meta); err != nil {
		st.Close()
		return nil, &LoadError{Path: path, Err: err}
	}

	api.setName(meta.Name)

	p := &LuaPlugin{
		meta:   meta,
		path:   path,
		state:  st,
		config: l.env.Host.PluginConfig(meta.Name),
	}
	p.hooks.setup, _ = luart.TableFunc(tbl, "setup")
	p.hooks.teardown, _ = luart.TableFunc(tbl, "teardown")
	p.hooks.onEnable, _ = luart.TableFunc(tbl, "on_enable")
	p.hooks.onDisable, _ = luart.TableFunc(tbl, "on_disable")
	return p, nil
}

func parseMetadata(tbl *glua.LTable) (Metadata, error) {
	var meta Metadata

	name, ok := luart.TableString(tbl, "name")
	if !ok || name == "" {
		return meta, fmt.Errorf("plugin table is missing a name")
	}
	meta.Name = name

	version, ok := luart.TableString(tbl, "version")
	if !ok || !validSemver(version) {
		return meta, fmt.Errorf("plugin %q has an invalid version %q", name, version)
	}
	meta.Version = version

	meta.DisplayName, _ = luart.TableString(tbl, "display_name")
	if meta.DisplayName == "" {
		meta.DisplayName = name
	}
	meta.Description, _ = luart.TableString(tbl, "description")
	meta.Author, _ = luart.TableString(tbl, "author")

	deps, err := luart.TableStrings(tbl, "dependencies")
	if err != nil {
		return meta, fmt.Errorf("plugin %q: %w", name, err)
	}
	meta.Dependencies = deps

	if min, ok := luart.TableString(tbl, "min_host_version"); ok {
		if !validSemver(min) {
			return meta, fmt.Errorf("plugin %q has an invalid min_host_version %q", name, min)
		}
		meta.MinHostVersion = min
	}
	return meta, nil
}

func (l *Loader) checkHostVersion(meta Metadata) error {
	if meta.MinHostVersion == "" {
		return nil
	}
	host := l.env.Host.Version()
	if !validSemver(host) {
		return nil
	}
	if semver.Compare(canonical(host), canonical(meta.MinHostVersion)) < 0 {
		return fmt.Errorf("plugin %q requires host %s or newer, running %s", meta.Name, meta.MinHostVersion, host)
	}
	return nil
}

func validSemver(v string) bool {
	return semver.IsValid(canonical(v))
}

func canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
