package wheelforge

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
)

// printHelp prints the commands table
func printHelp() {
	colSuccess.Println("Usage: wheelforge <command> [arguments]")
	colSuccess.Println("Run 'wheelforge <command> -h' for command options")
	fmt.Println()
	color.Info.Println("Available Commands:")

	type cmdInfo struct {
		Cmd  string
		Args string
		Desc string
	}
	cmds := []cmdInfo{
		{"run", "[-j N] [-force] [pkg...]", "Build and install wheels in dependency order"},
		{"plan", "[pkg...]", "Print the resolved build order without building"},
		{"status", "", "Show the per-package state of the last run"},
		{"reset", "[-all] [pkg...]", "Move failed packages back to pending"},
		{"fetch", "[-f] <pkg>", "Download and validate a package's source only"},
		{"log", "[pkg]", "TUI build log viewer, or dump one package's log"},
		{"upload", "[-list] [pkg...]", "Upload built wheels to the mirror and update its index"},
		{"version, --version", "", "Version information"},
	}

	// Find the longest usage string so the description column lines up.
	maxLen := 0
	for _, c := range cmds {
		length := len(c.Cmd) + len(c.Args)
		if c.Args != "" {
			length++
		}
		if length > maxLen {
			maxLen = length
		}
	}
	columnWidth := maxLen + 4

	for _, c := range cmds {
		var usageString string
		if c.Args != "" {
			usageString = fmt.Sprintf("  %s %s", c.Cmd, c.Args)
		} else {
			usageString = fmt.Sprintf("  %s", c.Cmd)
		}

		fmt.Print("  ")
		color.Bold.Print(c.Cmd)
		if c.Args != "" {
			fmt.Print(" ")
			color.Cyan.Print(c.Args)
		}

		pad := columnWidth - len(usageString)
		if pad < 1 {
			pad = 1
		}
		fmt.Print(strings.Repeat(" ", pad))

		color.Info.Println(c.Desc)
	}

	fmt.Println()
}

// manifestPath resolves the package manifest location.
func manifestPath(cfg *Config, env *BuildEnv) string {
	if p := cfg.Values["WHEELFORGE_MANIFEST"]; p != "" {
		return p
	}
	return filepath.Join(env.Prefix, "etc", "wheelforge", "packages.json")
}

// session bundles everything a command needs after configuration is loaded.
type session struct {
	cfg      *Config
	env      *BuildEnv
	manifest *Manifest
	graph    *DepGraph
	status   *StatusTracker
}

func openSession(cfg *Config) (*session, error) {
	env, err := NewBuildEnv(cfg)
	if err != nil {
		return nil, err
	}
	m, err := LoadManifest(manifestPath(cfg, env))
	if err != nil {
		return nil, err
	}
	g, err := NewDepGraph(m)
	if err != nil {
		return nil, err
	}
	st, err := LoadStatus(env.StatusPath)
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, env: env, manifest: m, graph: g, status: st}, nil
}

// Main is the CLI entrypoint for cmd/wheelforge.
func Main() {
	// 1. CONTEXT AND SIGNAL SETUP
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. SIGNAL CHANNEL SETUP
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	// 3. SIGNAL HANDLING GOROUTINE
	go func() {
		for {
			select {
			case sig := <-sigs:
				if isCriticalAtomic.Load() == 1 {
					// --- CRITICAL PHASE: Block 1st signal, force exit on 2nd ---
					colArrow.Print("\n-> ")
					colError.Printf("Install in progress. Press Ctrl+C AGAIN to force exit NOW.\n")

					select {
					case <-sigs:
						colArrow.Print("\n-> ")
						colError.Printf("Forced immediate exit.")
						os.Exit(130)
					case <-time.After(5 * time.Second):
						continue
					case <-ctx.Done():
						return
					}
				} else {
					// --- NON-CRITICAL PHASE: Graceful Cancellation ---
					colArrow.Print("\n-> ")
					color.Danger.Printf("Received %v. Cancelling process gracefully\n", sig)
					cancel()

					// Give the command a moment to die and flush its buffers
					time.Sleep(100 * time.Millisecond)

					select {
					case <-sigs:
						colArrow.Print("\n-> ")
						color.Danger.Printf("Second interrupt received. Forcing immediate exit.")
						os.Exit(130)
					case <-time.After(2 * time.Second):
						colArrow.Print("\n-> ")
						color.Danger.Printf("Graceful shutdown timeout. Exiting.")
						os.Exit(0)
					}
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	if ctx.Err() != nil {
		return
	}

	if len(os.Args) < 2 {
		printHelp()
		return
	}

	cfg, err := loadConfig(ConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: config load failed: %v\n", err)
	}
	if cfg.Values["WHEELFORGE_DEBUG"] == "1" {
		Debug = true
	}
	if cfg.Values["WHEELFORGE_VERBOSE"] == "1" {
		Verbose = true
	}

	var exitCode int

	switch os.Args[1] {
	case "run":
		runFlags := flag.NewFlagSet("run", flag.ExitOnError)
		jobs := runFlags.Int("j", 0, "override build job count")
		force := runFlags.Bool("force", false, "rebuild packages already recorded as built")
		verbose := runFlags.Bool("verbose", false, "stream build output to the terminal")
		manifest := runFlags.String("manifest", "", "path to the package manifest")
		wheels := runFlags.String("wheels", "", "directory for built wheels")
		allowRemote := runFlags.Bool("allow-remote", true, "fetch prebuilt wheels from the mirror when configured")
		runFlags.Parse(os.Args[2:])

		if *verbose {
			Verbose = true
		}
		if *jobs > 0 {
			cfg.Values["WHEELFORGE_JOBS"] = strconv.Itoa(*jobs)
		}
		if *manifest != "" {
			cfg.Values["WHEELFORGE_MANIFEST"] = *manifest
		}
		if *wheels != "" {
			cfg.Values["WHEELFORGE_WHEEL_DIR"] = *wheels
		}
		if cfg.Values["WHEELFORGE_FORCE"] == "1" {
			*force = true
		}

		s, err := openSession(cfg)
		if err != nil {
			colError.Println(err)
			exitCode = 1
			break
		}
		var mirror *MirrorClient
		if *allowRemote {
			mirror, err = NewMirrorClient(cfg, s.env.WheelDir)
			if err != nil {
				colError.Println(err)
				exitCode = 1
				break
			}
		}
		orch := NewOrchestrator(s.env, s.manifest, s.graph, s.status, mirror)
		if err := orch.Run(ctx, RunOptions{Targets: runFlags.Args(), Force: *force}); err != nil {
			if !IsAbortError(err) {
				colError.Println(err)
			}
			exitCode = 1
		}

	case "plan":
		planFlags := flag.NewFlagSet("plan", flag.ExitOnError)
		manifest := planFlags.String("manifest", "", "path to the package manifest")
		planFlags.Parse(os.Args[2:])
		if *manifest != "" {
			cfg.Values["WHEELFORGE_MANIFEST"] = *manifest
		}

		s, err := openSession(cfg)
		if err != nil {
			colError.Println(err)
			exitCode = 1
			break
		}
		orch := NewOrchestrator(s.env, s.manifest, s.graph, s.status, nil)
		if err := orch.Plan(planFlags.Args()); err != nil {
			colError.Println(err)
			exitCode = 1
		}

	case "status":
		s, err := openSession(cfg)
		if err != nil {
			colError.Println(err)
			exitCode = 1
			break
		}
		fmt.Print(FormatSummary(s.manifest, s.status))

	case "reset":
		resetFlags := flag.NewFlagSet("reset", flag.ExitOnError)
		all := resetFlags.Bool("all", false, "reset every package regardless of state")
		resetFlags.Parse(os.Args[2:])

		s, err := openSession(cfg)
		if err != nil {
			colError.Println(err)
			exitCode = 1
			break
		}
		if err := s.status.Reset(resetFlags.Args(), *all); err != nil {
			colError.Println(err)
			exitCode = 1
			break
		}
		colArrow.Print("-> ")
		colSuccess.Println("Status reset")

	case "fetch":
		fetchFlags := flag.NewFlagSet("fetch", flag.ExitOnError)
		fresh := fetchFlags.Bool("f", false, "discard any cached source and re-download")
		fetchFlags.Parse(os.Args[2:])
		if fetchFlags.NArg() == 0 {
			colError.Println("fetch: package name required")
			exitCode = 1
			break
		}

		s, err := openSession(cfg)
		if err != nil {
			colError.Println(err)
			exitCode = 1
			break
		}
		resolver := NewResolver(s.env)
		for _, name := range fetchFlags.Args() {
			spec := s.manifest.Spec(name)
			if spec == nil {
				colError.Printf("unknown package %s\n", name)
				exitCode = 1
				continue
			}
			if *fresh {
				discardCachedSources(s.env, spec)
			}
			path, err := resolver.Resolve(ctx, spec)
			if err != nil {
				colError.Printf("%s: %v\n", name, err)
				exitCode = 1
				continue
			}
			colArrow.Print("-> ")
			colSuccess.Printf("Fetched ")
			colNote.Printf("%s\n", path)
		}

	case "log":
		s, err := openSession(cfg)
		if err != nil {
			colError.Println(err)
			exitCode = 1
			break
		}
		if len(os.Args) >= 3 {
			if err := ShowPackageLog(s.env, os.Args[2]); err != nil {
				colError.Println(err)
				exitCode = 1
			}
		} else {
			exitCode = RunLogViewer(s.env)
		}

	case "upload":
		uploadFlags := flag.NewFlagSet("upload", flag.ExitOnError)
		listOnly := uploadFlags.Bool("list", false, "List the wheels already on the mirror instead of uploading")
		uploadFlags.Parse(os.Args[2:])
		s, err := openSession(cfg)
		if err != nil {
			colError.Println(err)
			exitCode = 1
			break
		}
		mirror, err := NewMirrorClient(cfg, s.env.WheelDir)
		if err != nil {
			colError.Println(err)
			exitCode = 1
			break
		}
		if mirror == nil {
			colError.Println("no mirror configured (set the R2_* values in wheelforge.conf)")
			exitCode = 1
			break
		}
		if *listOnly {
			entries, err := mirror.ListWheels(ctx)
			if err != nil {
				colError.Println(err)
				exitCode = 1
				break
			}
			if len(entries) == 0 {
				cPrintln(colInfo, "mirror holds no wheels for this architecture")
				break
			}
			for _, e := range entries {
				cPrintf(colInfo, "%-24s %-12s %s\n", e.Package, e.Version, e.Filename)
			}
			break
		}
		targets := uploadFlags.Args()
		if len(targets) == 0 {
			targets = s.manifest.Names()
		}
		for _, name := range targets {
			rec, ok := s.status.Record(name)
			if !ok || rec.Status != StateBuilt || rec.Wheel == "" {
				cPrintf(colWarn, "skipping %s: no built wheel recorded\n", name)
				continue
			}
			colArrow.Print("-> ")
			colSuccess.Printf("Uploading ")
			colNote.Printf("%s\n", filepath.Base(rec.Wheel))
			if err := mirror.UploadWheel(ctx, rec.Wheel); err != nil {
				colError.Printf("%s: %v\n", name, err)
				exitCode = 1
			}
		}

	case "version", "--version":
		fmt.Printf("wheelforge %s (%s) built %s\n", version, arch, buildDate)

	case "help", "-h", "--help":
		printHelp()

	default:
		colError.Printf("unknown command %q\n\n", os.Args[1])
		printHelp()
		exitCode = 1
	}

	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// discardCachedSources removes cached archives for a package so the next
// resolve must hit the network.
func discardCachedSources(env *BuildEnv, spec *PackageSpec) {
	entries, err := os.ReadDir(env.SourceCache)
	if err != nil {
		return
	}
	prefix := normalizeDistName(spec.Name)
	for _, e := range entries {
		name := e.Name()
		// Cache names carry a hash prefix before the original filename.
		if i := strings.Index(name, "-"); i == 16 {
			name = name[i+1:]
		}
		if strings.HasPrefix(normalizeDistName(name), prefix) {
			tryRemoveCachedFile(filepath.Join(env.SourceCache, e.Name()))
		}
	}
}
