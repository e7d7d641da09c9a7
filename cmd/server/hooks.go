package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/traylinx/switchAIRelay/internal/config"
	"github.com/traylinx/switchAIRelay/internal/hooks"
	"github.com/traylinx/switchAIRelay/internal/util"
)

// HooksCommand represents available hooks subcommands
type HooksCommand string

const (
	HooksList    HooksCommand = "list"
	HooksEnable  HooksCommand = "enable"
	HooksDisable HooksCommand = "disable"
	HooksTest    HooksCommand = "test"
)

// HooksOptions holds the command-line options for hooks commands
type HooksOptions struct {
	Command HooksCommand
	HookID  string
	Event   string
	Data    string // JSON data for test
	Account string
	Format  string
}

// ParseHooksCommand parses command arguments
func ParseHooksCommand(args []string) (*HooksOptions, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("missing subcommand")
	}

	opts := &HooksOptions{Command: HooksCommand(args[0])}
	flagSet := flag.NewFlagSet("hooks", flag.ContinueOnError)

	flagSet.StringVar(&opts.HookID, "id", "", "Target hook ID")
	flagSet.StringVar(&opts.Event, "event", "", "Event type for test (e.g. upstream_rate_limited)")
	flagSet.StringVar(&opts.Data, "data", "{}", "JSON data payload for test")
	flagSet.StringVar(&opts.Account, "account", "", "Account ID carried by the simulated event")
	flagSet.StringVar(&opts.Format, "format", "table", "Output format (table/json)")

	if err := flagSet.Parse(args[1:]); err != nil {
		return nil, err
	}
	return opts, nil
}

func printHooksUsage() {
	fmt.Println("Usage: switchAIRelay hooks <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  list           List enabled hooks")
	fmt.Println("  enable         Enable a hook by ID")
	fmt.Println("  disable        Disable a hook by ID")
	fmt.Println("  test           Dry-run hook conditions against a simulated event")
	fmt.Println("\nOptions:")
	fmt.Println("  --id <str>       Hook ID")
	fmt.Println("  --event <str>    Event type")
	fmt.Println("  --data <json>    Simulated event data (JSON)")
	fmt.Println("  --account <str>  Account ID on the simulated event")
	fmt.Println("  --format <str>   Output format")
	fmt.Println("\nEvents:")
	for _, ev := range hooks.AllEvents {
		fmt.Printf("  %s\n", ev)
	}
	fmt.Println("\nExamples:")
	fmt.Println("  switchAIRelay hooks list --format json")
	fmt.Println("  switchAIRelay hooks disable --id auto-disable-401")
	fmt.Println("  switchAIRelay hooks test --event charge_shortfall --data '{\"shortfall_micros\":2500000}'")
}

func handleHooksCommand(cfg *config.Config, args []string) {
	opts, err := ParseHooksCommand(args)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		printHooksUsage()
		os.Exit(1)
	}

	switch opts.Command {
	case HooksList:
		err = doHooksList(cfg, opts)
	case HooksEnable:
		err = doHooksEnableDisable(cfg, opts, true)
	case HooksDisable:
		err = doHooksEnableDisable(cfg, opts, false)
	case HooksTest:
		err = doHooksTest(cfg, opts)
	default:
		fmt.Printf("Unknown command: %s\n", opts.Command)
		printHooksUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

// getHookManager loads the hooks without subscribing them to any live bus.
func getHookManager(cfg *config.Config) (*hooks.HookManager, error) {
	manager, err := hooks.NewHookManager(cfg.Hooks.Dir, hooks.NewEventBus())
	if err != nil {
		return nil, err
	}
	if err = manager.LoadHooks(); err != nil {
		return nil, err
	}
	return manager, nil
}

func doHooksList(cfg *config.Config, opts *HooksOptions) error {
	manager, err := getHookManager(cfg)
	if err != nil {
		return err
	}

	allHooks := manager.GetHooks()
	if opts.Format == "json" {
		data, errMarshal := json.MarshalIndent(allHooks, "", "  ")
		if errMarshal != nil {
			return errMarshal
		}
		fmt.Println(string(data))
		return nil
	}

	if len(allHooks) == 0 {
		fmt.Println("No enabled hooks.")
		fmt.Printf("Create hook files in: %s\n", manager.HooksDir())
		return nil
	}

	fmt.Printf("Hooks Directory: %s\n", manager.HooksDir())
	fmt.Printf("Enabled Hooks: %d\n\n", len(allHooks))
	for i, hook := range allHooks {
		fmt.Printf("[%d] %s\n", i+1, hook.Name)
		fmt.Printf("    ID: %s\n", hook.ID)
		fmt.Printf("    Event: %s\n", hook.Event)
		fmt.Printf("    Action: %s\n", hook.Action)
		if hook.Condition != "" {
			fmt.Printf("    Condition: %s\n", hook.Condition)
		}
		if hook.Description != "" {
			fmt.Printf("    Description: %s\n", hook.Description)
		}
		if len(hook.Params) > 0 {
			fmt.Printf("    Parameters: %v\n", hook.Params)
		}
		fmt.Printf("    File: %s\n\n", hook.FilePath)
	}
	return nil
}

// findHookFile scans dir for the hook file declaring id. Disabled hooks are
// never loaded by the manager, so the files are read directly.
func findHookFile(dir, id string) (string, error) {
	var found string
	errStop := errors.New("stop")
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !(strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")) {
			return nil
		}
		data, errRead := os.ReadFile(path)
		if errRead != nil {
			return nil
		}
		var h hooks.Hook
		if yaml.Unmarshal(data, &h) == nil && h.ID == id {
			found = path
			return errStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("hook with ID %q not found in %s", id, dir)
	}
	return found, nil
}

// setHookEnabled rewrites the enabled field of the hook file at path.
func setHookEnabled(path string, enable bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read hook file: %w", err)
	}
	var hookData map[string]any
	if err = yaml.Unmarshal(data, &hookData); err != nil {
		return fmt.Errorf("parse hook file: %w", err)
	}
	hookData["enabled"] = enable
	newData, err := yaml.Marshal(hookData)
	if err != nil {
		return err
	}
	return util.WriteFileAtomic(path, newData, util.WriteOptions{})
}

func doHooksEnableDisable(cfg *config.Config, opts *HooksOptions, enable bool) error {
	if opts.HookID == "" {
		return errors.New("--id required")
	}
	path, err := findHookFile(cfg.Hooks.Dir, opts.HookID)
	if err != nil {
		return err
	}
	if err = setHookEnabled(path, enable); err != nil {
		return err
	}

	action := "Enabled"
	if !enable {
		action = "Disabled"
	}
	fmt.Printf("%s hook %s\n", action, opts.HookID)
	fmt.Printf("  File: %s\n", path)
	if cfg.Hooks.Watch {
		fmt.Println("  A running relay picks the change up automatically")
	} else {
		fmt.Println("  Restart the relay to apply the change")
	}
	return nil
}

func doHooksTest(cfg *config.Config, opts *HooksOptions) error {
	manager, err := getHookManager(cfg)
	if err != nil {
		return err
	}

	evType := hooks.HookEvent(opts.Event)
	if evType == "" {
		evType = hooks.EventUpstreamRateLimited
	}
	var dataMap map[string]any
	if err = json.Unmarshal([]byte(opts.Data), &dataMap); err != nil {
		return fmt.Errorf("parse --data: %w", err)
	}
	ctx := &hooks.EventContext{
		Event:     evType,
		Timestamp: time.Now(),
		AccountID: opts.Account,
		Data:      dataMap,
	}

	candidates := manager.GetHooks()
	if opts.HookID != "" {
		hook := manager.GetHook(opts.HookID)
		if hook == nil {
			return fmt.Errorf("hook with ID %q is not loaded", opts.HookID)
		}
		candidates = []*hooks.Hook{hook}
	}

	fmt.Printf("Event: %s\n", evType)
	fmt.Printf("Data: %s\n\n", opts.Data)
	matched := 0
	for _, hook := range candidates {
		fmt.Printf("%s (%s): ", hook.Name, hook.ID)
		if hook.Event != evType {
			fmt.Printf("skipped, listens for %s\n", hook.Event)
			continue
		}
		ok, errEval := manager.EvaluateCondition(hook, ctx)
		switch {
		case errEval != nil:
			fmt.Printf("condition failed: %v\n", errEval)
		case ok:
			matched++
			fmt.Printf("would run %s\n", hook.Action)
		default:
			fmt.Println("condition not met")
		}
	}
	fmt.Printf("\n%d of %d hook(s) would run\n", matched, len(candidates))
	return nil
}
