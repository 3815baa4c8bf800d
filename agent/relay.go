package agent

import (
	"strings"
	"sync"

	"github.com/go-ini/ini"
	"github.com/pkg/errors"
	"github.com/gomesh/gomesh/engine/gmlog"
)

// relay actions of client opcodes the agent does not handle itself
const (
	relayDenied = "denied"
	relayLogic  = "logic"
)

// relayTable maps client opcodes to their relay action. Reload replaces the
// whole rule map in one step so readers never see a partial update.
type relayTable struct {
	mu    sync.RWMutex
	rules map[string]string
}

func (rt *relayTable) action(opcode string) string {
	rt.mu.RLock()
	a := rt.rules[opcode]
	rt.mu.RUnlock()
	return a
}

func (rt *relayTable) numRules() int {
	rt.mu.RLock()
	n := len(rt.rules)
	rt.mu.RUnlock()
	return n
}

// Load reads the relay rules from an ini file with a single [relay] section,
// keys are client opcodes and values are "denied" or "logic"
func (rt *relayTable) Load(path string) error {
	iniFile, err := ini.Load(path)
	if err != nil {
		return errors.Wrap(err, "load relay conf failed")
	}

	rules := map[string]string{}
	for _, sec := range iniFile.Sections() {
		secName := strings.ToLower(sec.Name())
		if secName == "default" {
			continue
		}
		if secName != "relay" {
			gmlog.Errorf("relay conf has unknown section: %s", secName)
			continue
		}
		for _, key := range sec.Keys() {
			action := strings.ToLower(key.Value())
			if action != relayDenied && action != relayLogic {
				return errors.Errorf("relay conf: bad action %s of opcode %s", key.Value(), key.Name())
			}
			rules[key.Name()] = action
		}
	}

	rt.mu.Lock()
	rt.rules = rules
	rt.mu.Unlock()
	gmlog.Infof("agent: relay conf loaded, %d rule(s)", len(rules))
	return nil
}
