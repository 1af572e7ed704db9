package flow

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/meridianlabs/ssobridge/pkg/observability"
)

// Bypass actions an exclusion rule can carry.
const (
	ActionAllow = "allow"
	ActionDeny  = "deny"
)

// ExclusionRule bypasses the authentication flow for matching request
// paths. Prefix matching: a rule path ending in "/" matches the whole
// subtree, otherwise the path must match exactly.
type ExclusionRule struct {
	Path   string `yaml:"path"`
	Action string `yaml:"action"`
}

type ruleFile struct {
	Rules []ExclusionRule `yaml:"rules"`
}

// Exclusions holds the bypass rule set, reloadable from a YAML file
// while the process runs.
type Exclusions struct {
	mu     sync.RWMutex
	rules  []ExclusionRule
	path   string
	logger *observability.Logger
}

// NewExclusions creates an empty rule set. Rules may be set directly
// or loaded from a file.
func NewExclusions(logger *observability.Logger) *Exclusions {
	return &Exclusions{logger: logger}
}

// SetRules replaces the rule set.
func (e *Exclusions) SetRules(rules []ExclusionRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = rules
}

// LoadFile reads rules from a YAML file. Rules missing an action
// default to allow.
func (e *Exclusions) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read exclusion rules: %w", err)
	}

	var parsed ruleFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse exclusion rules: %w", err)
	}
	for i := range parsed.Rules {
		if parsed.Rules[i].Action == "" {
			parsed.Rules[i].Action = ActionAllow
		}
	}

	e.mu.Lock()
	e.rules = parsed.Rules
	e.path = path
	e.mu.Unlock()

	e.logger.WithFields(map[string]interface{}{
		"path":  path,
		"rules": len(parsed.Rules),
	}).Info("exclusion rules loaded")
	return nil
}

// Watch reloads the rule file whenever it changes, until ctx is done.
// A reload that fails to parse keeps the previous rule set.
func (e *Exclusions) Watch(ctx context.Context) error {
	e.mu.RLock()
	path := e.path
	e.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("no rule file loaded, nothing to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rule watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := e.LoadFile(path); err != nil {
					e.logger.WithError(err).Warn("exclusion rule reload failed, keeping previous rules")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				e.logger.WithError(err).Warn("exclusion rule watcher error")
			}
		}
	}()
	return nil
}

// Match returns the first rule covering the request path.
func (e *Exclusions) Match(requestPath string) (ExclusionRule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, rule := range e.rules {
		if strings.HasSuffix(rule.Path, "/") {
			if strings.HasPrefix(requestPath, rule.Path) {
				return rule, true
			}
			continue
		}
		if requestPath == rule.Path {
			return rule, true
		}
	}
	return ExclusionRule{}, false
}
