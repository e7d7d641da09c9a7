package hooks

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// HookManager loads YAML hook rules, evaluates their expr conditions against
// routing events and runs the matching actions.
type HookManager struct {
	hooksDir       string
	hooks          map[HookEvent][]*Hook
	eventBus       *EventBus
	programs       map[string]*vm.Program
	actionHandlers map[HookAction]ActionHandler
	mu             sync.RWMutex

	subscriptions []*Subscription
	watcher       *fsnotify.Watcher
	stopWatcher   chan struct{}
	stopOnce      sync.Once
}

// NewHookManager creates a hook manager with the built-in actions registered.
func NewHookManager(hooksDir string, eventBus *EventBus) (*HookManager, error) {
	if eventBus == nil {
		return nil, fmt.Errorf("hooks: event bus is required")
	}
	if hooksDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("hooks: resolve working directory: %w", err)
		}
		hooksDir = filepath.Join(wd, "hooks")
	}

	manager := &HookManager{
		hooksDir:       hooksDir,
		hooks:          make(map[HookEvent][]*Hook),
		eventBus:       eventBus,
		programs:       make(map[string]*vm.Program),
		actionHandlers: make(map[HookAction]ActionHandler),
		stopWatcher:    make(chan struct{}),
	}
	RegisterBuiltInActions(manager)
	return manager, nil
}

// LoadHooks loads all enabled hooks from the hooks directory, replacing the current set.
func (m *HookManager) LoadHooks() error {
	if _, err := os.Stat(m.hooksDir); os.IsNotExist(err) {
		if err = os.MkdirAll(m.hooksDir, 0o755); err != nil {
			return fmt.Errorf("failed to create hooks directory: %w", err)
		}
	}

	newHooks := make(map[HookEvent][]*Hook)
	newPrograms := make(map[string]*vm.Program)
	err := filepath.Walk(m.hooksDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !(strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			log.Errorf("Failed to read hook file %s: %v", path, err)
			return nil
		}
		var hook Hook
		if err = yaml.Unmarshal(data, &hook); err != nil {
			log.Errorf("Failed to parse hook %s: %v", path, err)
			return nil
		}
		hook.FilePath = path
		if !hook.Enabled {
			return nil
		}
		if !knownEvent(hook.Event) {
			log.Warnf("Hook %s references unknown event %q, skipping", path, hook.Event)
			return nil
		}
		if hook.Condition != "" && hook.Condition != "true" {
			program, errCompile := expr.Compile(hook.Condition, expr.AsBool())
			if errCompile != nil {
				log.Warnf("Hook %s has invalid condition %q: %v", path, hook.Condition, errCompile)
				return nil
			}
			newPrograms[hook.Condition] = program
		}
		newHooks[hook.Event] = append(newHooks[hook.Event], &hook)
		log.Debugf("Loaded hook: %s for event %s", hook.Name, hook.Event)
		return nil
	})
	if err != nil {
		return err
	}
	for _, list := range newHooks {
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	}

	m.mu.Lock()
	m.hooks = newHooks
	m.programs = newPrograms
	m.mu.Unlock()

	log.Infof("Loaded hooks for %d event types from %s", len(newHooks), m.hooksDir)
	return nil
}

func knownEvent(e HookEvent) bool {
	for _, known := range AllEvents {
		if e == known {
			return true
		}
	}
	return false
}

// SubscribeToAllEvents attaches the manager to every relay event on the bus.
func (m *HookManager) SubscribeToAllEvents() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.subscriptions) > 0 {
		return
	}
	for _, evt := range AllEvents {
		m.subscriptions = append(m.subscriptions, m.eventBus.Subscribe(evt, m.handleEvent))
	}
}

func (m *HookManager) handleEvent(ctx *EventContext) {
	m.mu.RLock()
	hooks := append([]*Hook(nil), m.hooks[ctx.Event]...)
	m.mu.RUnlock()

	for _, hook := range hooks {
		matches, err := m.evaluateCondition(hook.Condition, ctx)
		if err != nil {
			log.Warnf("Failed to evaluate hook condition '%s': %v", hook.Condition, err)
			continue
		}
		if matches {
			log.Infof("Executing hook: %s (Action: %s)", hook.Name, hook.Action)
			go m.executeAction(hook, ctx)
		}
	}
}

func (m *HookManager) evaluateCondition(condition string, ctx *EventContext) (bool, error) {
	if condition == "" || condition == "true" {
		return true, nil
	}

	m.mu.Lock()
	program, exists := m.programs[condition]
	if !exists {
		var err error
		program, err = expr.Compile(condition, expr.AsBool())
		if err != nil {
			m.mu.Unlock()
			return false, err
		}
		m.programs[condition] = program
	}
	m.mu.Unlock()

	data := ctx.Data
	if data == nil {
		data = map[string]any{}
	}
	env := map[string]any{
		"Event":     string(ctx.Event),
		"Timestamp": ctx.Timestamp,
		"Data":      data,
		"Platform":  ctx.Platform,
		"Account":   ctx.AccountID,
		"Key":       ctx.KeyID,
		"Owner":     ctx.OwnerID,
		"Model":     ctx.Model,
		"Reason":    ctx.Reason,
		"Error":     ctx.ErrorMessage,
	}

	output, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("condition did not return boolean")
	}
	return result, nil
}

func (m *HookManager) executeAction(hook *Hook, ctx *EventContext) {
	m.mu.RLock()
	handler, exists := m.actionHandlers[hook.Action]
	m.mu.RUnlock()

	if !exists {
		log.Warnf("No handler registered for action: %s", hook.Action)
		return
	}
	if err := handler(hook, ctx); err != nil {
		log.Errorf("Action %s failed for hook %s: %v", hook.Action, hook.Name, err)
	}
}

// RegisterAction registers a handler for a specific action type.
func (m *HookManager) RegisterAction(action HookAction, handler ActionHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actionHandlers[action] = handler
}

// StartWatcher starts a background fsnotify watcher for hot-reloading hooks.
func (m *HookManager) StartWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err = watcher.Add(m.hooksDir); err != nil {
		_ = watcher.Close()
		return err
	}
	m.watcher = watcher

	go func() {
		var debounce <-chan time.Time
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					log.Debugf("Hooks directory changed (%s)", event.Name)
					debounce = time.After(100 * time.Millisecond)
				}
			case <-debounce:
				debounce = nil
				log.Info("Reloading hooks after directory change")
				if errLoad := m.LoadHooks(); errLoad != nil {
					log.Errorf("Failed to reload hooks: %v", errLoad)
				}
			case errWatch, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Errorf("Hooks watcher error: %v", errWatch)
			case <-m.stopWatcher:
				return
			}
		}
	}()
	return nil
}

// Stop detaches from the bus and stops the file watcher.
func (m *HookManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopWatcher)
		if m.watcher != nil {
			_ = m.watcher.Close()
		}
		m.mu.Lock()
		subs := m.subscriptions
		m.subscriptions = nil
		m.mu.Unlock()
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	})
}

// GetHooks returns all loaded hooks flattened.
func (m *HookManager) GetHooks() []*Hook {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Hook, 0)
	for _, hooks := range m.hooks {
		result = append(result, hooks...)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// EvaluateCondition exposes condition evaluation for tests and dry runs.
func (m *HookManager) EvaluateCondition(h *Hook, ctx *EventContext) (bool, error) {
	return m.evaluateCondition(h.Condition, ctx)
}

// GetHook returns the loaded hook with the given ID, or nil.
func (m *HookManager) GetHook(id string) *Hook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, hooks := range m.hooks {
		for _, h := range hooks {
			if h.ID == id {
				return h
			}
		}
	}
	return nil
}

// HooksDir returns the directory hooks are loaded from.
func (m *HookManager) HooksDir() string {
	return m.hooksDir
}
