package proxsmtp

import (
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"plugin"
)

// pluginVarName is the exported symbol every dynamically loaded hook must
// publish.
const pluginVarName = "Hook"

// TimeFormat is the timestamp layout the SQL-backed hooks store.
const TimeFormat = "2006-01-02T15:04:05.999999"

// pluginLoader discovers and loads .so-compiled Hook implementations from a
// directory. It's a supplement to the built-in hooks, not a replacement: an
// operator who needs a sink this daemon doesn't ship can drop a compiled
// plugin in place without a rebuild.
type pluginLoader struct {
	dir string
}

func newPluginLoader() *pluginLoader {
	dir := "/opt/proxsmtpd/plugins"
	if v := os.Getenv("PLUGIN_PATH"); v != "" {
		dir = v
	}
	return &pluginLoader{dir: dir}
}

func (p *pluginLoader) load() ([]Hook, error) {
	if _, err := os.Stat(p.dir); err != nil {
		return nil, nil
	}

	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, err
	}

	var hooks []Hook
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".so" {
			continue
		}

		hook, err := p.lookup(entry.Name())
		if err != nil {
			fmt.Printf("plugin load error(%s): %s\n", entry.Name(), err)
			continue
		}

		log.Printf("plugin loaded: %s", entry.Name())
		hooks = append(hooks, hook)
	}

	return hooks, nil
}

// LoadPluginHooks loads every .so hook found under PLUGIN_PATH (or its
// default), logging and skipping any that fail rather than aborting
// startup over one bad plugin.
func LoadPluginHooks() []Hook {
	hooks, err := newPluginLoader().load()
	if err != nil {
		log.Printf("plugin directory scan failed: %s", err)
	}
	return hooks
}

func (p *pluginLoader) lookup(name string) (Hook, error) {
	plug, err := plugin.Open(path.Join(p.dir, name))
	if err != nil {
		return nil, err
	}

	symbol, err := plug.Lookup(pluginVarName)
	if err != nil {
		return nil, err
	}

	hook, ok := symbol.(Hook)
	if !ok {
		return nil, fmt.Errorf("plugin %s's %s symbol does not implement Hook", name, pluginVarName)
	}
	return hook, nil
}
