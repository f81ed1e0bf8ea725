package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"gantry/internal/agent"
	"gantry/internal/events"
	"gantry/internal/features"
	"gantry/internal/git"
	"gantry/internal/orchestrator"
	"gantry/internal/state"
	"gantry/internal/workspace"
	"gantry/pkg/models"
)

var tracksFlag string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the orchestrator and process the feature queue",
	Long: `Start the orchestrator in the project root and process features until
the queue drains or the run is interrupted.

When tracks were never configured, --tracks completes the setup handshake:

  gantry run --tracks "backend:api|db,frontend:ui,general"

Entries are name:category|category. An entry without categories is the
default track; with no --tracks a single default "general" track is used.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&tracksFlag, "tracks", "", "track definitions for first-time setup")
}

func runRun(cmd *cobra.Command, args []string) error {
	root, cfg, err := loadProject()
	if err != nil {
		return err
	}

	db, err := state.OpenProject(root)
	if err != nil {
		return fmt.Errorf("open session log: %w", err)
	}
	defer db.Close()

	store := features.NewStore(filepath.Join(root, cfg.FeaturesPath))
	ws := workspace.NewManager(root, cfg.BaseBranch, cfg.Worktrees)
	executor := agent.NewExecutor(cfg, root, git.NewRunner(root))
	bus := events.NewBus()
	orch := orchestrator.New(cfg, root, bus, store, db, ws, executor)

	// External edits to the feature file surface as feature-updated
	// events, same as the orchestrator's own writes.
	watcher, err := features.NewWatcher(store, func() {
		bus.Publish(events.Event{Topic: events.TopicFeatureUpdated})
	})
	if err != nil {
		color.Yellow("feature file watcher unavailable: %v", err)
	} else {
		defer watcher.Close()
	}

	sub := bus.Subscribe(
		events.TopicStatus,
		events.TopicSessionStarted,
		events.TopicSessionFinished,
		events.TopicFeatureUpdated,
		events.TopicCriticalFailure,
		events.TopicNewCategories,
	)
	defer sub.Close()
	go printEvents(sub)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		color.Yellow("interrupt received, stopping after current steps...")
		orch.Stop()
		cancel()
	}()

	startDone := make(chan error, 1)
	go func() { startDone <- orch.Start(ctx) }()

	if !cfg.TracksConfigured {
		tracks, err := parseTracks(tracksFlag)
		if err != nil {
			return err
		}
		if err := awaitState(orch, models.StateSetup, startDone); err != nil {
			return err
		}
		if err := orch.ConfigureTracks(tracks); err != nil {
			return err
		}
	}

	if err := <-startDone; err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	color.Green("orchestrator running on project %s", cfg.ProjectName)

	// Block until the run winds down, either via signal or because the
	// orchestrator stopped itself.
	for orch.GetStatus().State != models.StateStopped {
		time.Sleep(200 * time.Millisecond)
	}
	color.Green("orchestrator stopped")
	return nil
}

// awaitState waits for the orchestrator to reach the given state, failing
// fast when Start errors first.
func awaitState(orch *orchestrator.Orchestrator, want models.OrchestratorState, startDone chan error) error {
	for orch.GetStatus().State != want {
		select {
		case err := <-startDone:
			if err != nil {
				return fmt.Errorf("start orchestrator: %w", err)
			}
			return fmt.Errorf("orchestrator never reached %s", want)
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}

// parseTracks parses the --tracks flag: comma-separated name:cat|cat
// entries. The first entry without categories becomes the default; when
// every entry has categories, the first entry does.
func parseTracks(flag string) ([]models.TrackDefinition, error) {
	if strings.TrimSpace(flag) == "" {
		return []models.TrackDefinition{{Name: "general", Default: true}}, nil
	}

	var tracks []models.TrackDefinition
	hasDefault := false
	for _, entry := range strings.Split(flag, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, cats, _ := strings.Cut(entry, ":")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("track entry %q has no name", entry)
		}
		track := models.TrackDefinition{Name: name}
		if cats != "" {
			for _, c := range strings.Split(cats, "|") {
				if c = strings.TrimSpace(c); c != "" {
					track.Categories = append(track.Categories, c)
				}
			}
		}
		if len(track.Categories) == 0 && !hasDefault {
			track.Default = true
			hasDefault = true
		}
		tracks = append(tracks, track)
	}
	if len(tracks) == 0 {
		return nil, fmt.Errorf("no track definitions in %q", flag)
	}
	if !hasDefault {
		tracks[0].Default = true
	}
	return tracks, nil
}

// printEvents renders bus events for the terminal.
func printEvents(sub *events.Subscription) {
	for e := range sub.C() {
		switch e.Topic {
		case events.TopicStatus:
			// Status snapshots are frequent; only state changes are worth a line.
		case events.TopicSessionStarted:
			if e.Session != nil {
				color.Cyan("[%s] session %s started for feature %d", e.Session.Track, shortID(e.SessionID), e.FeatureID)
			}
		case events.TopicSessionFinished:
			color.Cyan("session %s finished", shortID(e.SessionID))
		case events.TopicFeatureUpdated:
			if e.FeatureID != 0 {
				fmt.Printf("feature %d updated\n", e.FeatureID)
			}
		case events.TopicCriticalFailure:
			color.Red("track %s paused: %s", e.Track, e.Reason)
		case events.TopicNewCategories:
			color.Yellow("categories without a dedicated track: %s", strings.Join(e.Categories, ", "))
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
