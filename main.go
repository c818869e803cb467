package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/leeineian/aria/cache"
	"github.com/leeineian/aria/player"
	"github.com/leeineian/aria/queue"
	"github.com/leeineian/aria/sources"
	"github.com/leeineian/aria/sys"
)

const pidFile = ".aria.pid"

func main() {
	// Parse flags
	silent := flag.Bool("silent", false, "Disable all log output")
	flag.Parse()

	if *silent {
		sys.SetSilentMode(true)
	}

	// 1. Check for and kill old process
	if pidData, err := os.ReadFile(pidFile); err == nil {
		if oldPid, err := strconv.Atoi(strings.TrimSpace(string(pidData))); err == nil && oldPid != os.Getpid() {
			if process, err := os.FindProcess(oldPid); err == nil {
				// Check if it's still running
				if err := process.Signal(syscall.Signal(0)); err == nil {
					sys.LogInfo(sys.MsgCoreKillingOld, oldPid)
					if err := process.Signal(syscall.SIGTERM); err == nil {
						// Wait for it to exit (up to 5 seconds)
						for i := 0; i < 50; i++ {
							if err := process.Signal(syscall.Signal(0)); err != nil {
								break // Process is gone
							}
							time.Sleep(100 * time.Millisecond)
						}
						sys.LogInfo("Old instance terminated.")
					} else {
						sys.LogWarn(sys.MsgCoreKillFail, err)
					}
				}
			}
		}
	}

	// 2. Write PID file
	pid := os.Getpid()
	if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", pid)), 0644); err != nil {
		sys.LogWarn(sys.MsgCorePIDWriteFail, err)
	}
	defer os.Remove(pidFile)

	// 3. Setup shutdown signal
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)

	// 4. Run core (blocks until shutdown signal)
	if err := run(pid, sc, *silent); err != nil {
		sys.LogFatal("%v", err)
	}
}

func run(pid int, shutdownChan <-chan os.Signal, silent bool) error {
	// Load configuration
	cfg, err := sys.LoadConfig()
	if err != nil {
		return fmt.Errorf(sys.MsgConfigFailedToLoad, err)
	}
	if cfg.Silent {
		silent = true
	}
	sys.InitLogger(silent, cfg.LogToFile)

	// Initialize database
	if err := sys.InitDatabase(cfg.DatabasePath); err != nil {
		return fmt.Errorf("Failed to initialize database: %w", err)
	}
	defer sys.CloseDatabase()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wire the backend registry, cache, resolver and player
	registry, err := buildRegistry(ctx, cfg)
	if err != nil {
		return err
	}

	media := cache.New(cache.Options{
		StreamTTL:       cfg.StreamTTL,
		MetadataTTL:     cfg.MetadataTTL,
		SearchTTL:       cfg.SearchTTL,
		CleanupInterval: cfg.CleanupInterval,
		MemoryLimitMB:   cfg.CacheMemoryMB,
	})
	media.Start(ctx)
	defer media.Stop()

	resolver := sources.NewResolver(registry, media)

	manager := player.InitManager(resolver, media, queue.Options{
		MaxPending:       cfg.MaxQueueSize,
		MaxHistory:       cfg.MaxHistorySize,
		MaxRetries:       cfg.MaxRetries,
		RecoveryCooldown: cfg.RecoveryCooldown,
		RecoveryBackoff:  cfg.RecoveryBackoff,
	})

	// Console driver runs in the background
	go console(ctx, manager)

	sys.LogInfo(sys.MsgCoreReady, "aria", pid)
	<-shutdownChan
	if !silent {
		fmt.Println()
	}
	sys.LogInfo(sys.MsgCoreShutdown, "aria")

	return nil
}

// buildRegistry registers every backend with its default policy,
// then applies backends.toml overrides.
func buildRegistry(ctx context.Context, cfg *sys.Config) (*sources.Registry, error) {
	registry := sources.NewRegistry()

	registry.Register(sources.NewYtdlpSource(cfg.YouTubeProxy), sources.BackendConfig{
		Enabled:    true,
		Priority:   1,
		Timeout:    10 * time.Second,
		MaxRetries: 1,
	})

	if cfg.YouTubeAPIKey != "" {
		api, err := sources.NewAPISource(ctx, cfg.YouTubeAPIKey)
		if err != nil {
			sys.LogWarn("YouTube API backend unavailable: %v", err)
		} else {
			registry.Register(api, sources.BackendConfig{
				Enabled:    true,
				Priority:   2,
				Timeout:    3 * time.Second,
				MaxRetries: 1,
			})
		}
	}

	registry.Register(sources.NewMusicSource(), sources.BackendConfig{
		Enabled:    true,
		Priority:   2,
		Timeout:    3 * time.Second,
		MaxRetries: 1,
	})

	registry.Register(sources.NewMirrorSource(nil), sources.BackendConfig{
		Enabled:    true,
		Priority:   3,
		Timeout:    5 * time.Second,
		MaxRetries: 2,
	})

	registry.Register(sources.NewFeedSource(), sources.BackendConfig{
		Enabled:    true,
		Priority:   5,
		Timeout:    10 * time.Second,
		MaxRetries: 1,
	})

	registry.Register(sources.NewDirectSource(), sources.BackendConfig{
		Enabled:    true,
		Priority:   4,
		Timeout:    5 * time.Second,
		MaxRetries: 1,
	})

	overrides, err := cfg.LoadBackendOverrides()
	if err != nil {
		return nil, err
	}
	for _, o := range overrides {
		base, ok := registry.Config(o.Name)
		if !ok {
			sys.LogWarn("Unknown backend in overrides: %s", o.Name)
			continue
		}
		if o.Enabled != nil {
			base.Enabled = *o.Enabled
		}
		if o.Priority != nil {
			base.Priority = *o.Priority
		}
		if o.Timeout > 0 {
			base.Timeout = o.Timeout
		}
		if o.MaxRetries != nil {
			base.MaxRetries = *o.MaxRetries
		}
		registry.Configure(o.Name, base)
	}

	return registry, nil
}

// console is a line-oriented driver for interactive use.
func console(ctx context.Context, manager *player.Manager) {
	session := manager.Session("console")
	scanner := bufio.NewScanner(os.Stdin)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)

		switch strings.ToLower(cmd) {
		case "play", "add":
			if arg == "" {
				fmt.Println("usage: play <url or search terms>")
				continue
			}
			item, err := session.Enqueue(ctx, arg)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Printf("queued: %s [%s] (%s)\n", item.Title, item.Source, item.Duration)

		case "next":
			item, ok, err := session.PlayNext(ctx)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			if !ok {
				fmt.Println("queue is empty")
				continue
			}
			fmt.Printf("now playing: %s\n  stream: %s\n", item.Title, item.StreamURL)

		case "skip":
			item, ok, err := session.Skip(ctx)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			if !ok {
				fmt.Println("queue is empty")
				continue
			}
			fmt.Printf("now playing: %s\n", item.Title)

		case "search":
			if arg == "" {
				fmt.Println("usage: search <terms>")
				continue
			}
			items, err := manager.Resolve(ctx, arg, 5)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			for i, item := range items {
				fmt.Printf("%2d. %s [%s] (%s)\n", i+1, item.Title, item.Source, item.Duration)
			}

		case "queue", "list":
			items := session.Queue().Pending()
			if len(items) == 0 {
				fmt.Println("queue is empty")
			}
			for i, item := range items {
				fmt.Printf("%2d. %s (%s)\n", i+1, item.Title, item.Duration)
			}

		case "shuffle":
			switch strings.ToLower(arg) {
			case "on":
				session.Queue().SetShuffle(true)
			case "off":
				session.Queue().SetShuffle(false)
			case "now":
				session.Queue().Shuffle()
				fmt.Println("queue reshuffled")
				continue
			default:
				session.Queue().SetShuffle(!session.Queue().ShuffleMode())
			}
			fmt.Printf("shuffle mode: %v\n", session.Queue().ShuffleMode())

		case "loop":
			switch strings.ToLower(arg) {
			case "track":
				session.Queue().SetLoopMode(queue.LoopTrack)
			case "queue":
				session.Queue().SetLoopMode(queue.LoopQueue)
			default:
				session.Queue().SetLoopMode(queue.LoopOff)
			}
			fmt.Printf("loop mode: %s\n", session.Queue().LoopModeState())

		case "clear":
			n := session.Queue().Clear()
			fmt.Printf("removed %d tracks\n", n)

		case "dedupe":
			n := session.Queue().RemoveDuplicates()
			fmt.Printf("removed %d duplicates\n", n)

		case "history":
			for i, item := range session.Queue().History() {
				fmt.Printf("%2d. %s\n", i+1, item.Title)
			}

		case "failed":
			for _, f := range session.Queue().Failed() {
				fmt.Printf("%s (%d attempts): %s\n", f.Item.Title, f.Retries, f.LastError)
			}

		case "top":
			stats, err := sys.TopTracks(10)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			for i, s := range stats {
				fmt.Printf("%2d. %s (%d plays, %d failures)\n", i+1, s.Title, s.PlayCount, s.FailureCount)
			}

		case "stats":
			s := session.Queue().Stats()
			fmt.Printf("pending %d, history %d, quarantined %d, loop %s, shuffle %v\n",
				s.Pending, s.History, s.Quarantined, s.LoopMode, s.Shuffle)
			if s.InRecovery {
				fmt.Printf("recovery mode active (%d consecutive failures)\n", s.ConsecutiveFailures)
			}

		case "recent":
			plays, err := sys.RecentPlays(10)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			for _, p := range plays {
				fmt.Printf("%s  %s [%s] via %s\n", p.PlayedAt, p.Title, p.Channel, p.Source)
			}

		case "quit", "exit":
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
			return

		default:
			fmt.Println("commands: play, search, next, skip, queue, shuffle [on|off|now], loop [off|track|queue], clear, dedupe, history, failed, stats, top, recent, quit")
		}
	}
}
