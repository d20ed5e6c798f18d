package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/storyloom/storyloom/internal/job"
	"github.com/storyloom/storyloom/internal/presenter"
	"github.com/storyloom/storyloom/pkg/models"
)

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	return t
}

func parseStage(arg string) (models.StageKind, error) {
	kind := models.StageKind(arg)
	if !kind.Valid() {
		return "", fmt.Errorf("unknown stage %q (expected one of %v)", arg, models.StageOrder)
	}
	return kind, nil
}

func runProjectCreate(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath, verbose)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.versions.CreateProject(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Created project %q (%s)\n", p.Name, p.ID)
	return nil
}

func runProjectList(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath, verbose)
	if err != nil {
		return err
	}
	defer a.Close()

	projects, err := a.versions.ListProjects(cmd.Context())
	if err != nil {
		return err
	}
	t := newTable()
	t.AppendHeader(table.Row{"Name", "Branch", "Head", "Created", "ID"})
	for _, p := range projects {
		t.AppendRow(table.Row{p.Name, p.Branch, p.Head, p.CreatedAt.Format("2006-01-02 15:04"), p.ID})
	}
	t.Render()
	return nil
}

func runProjectShow(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath, verbose)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.versions.FindProject(cmd.Context(), args[0], branchName)
	if err != nil {
		return err
	}

	t := newTable()
	t.AppendHeader(table.Row{"Stage", "Revision", "Rating", "Lock", "Dependents", "Flags"})
	for _, kind := range models.StageOrder {
		art := p.Artifact(kind)
		if art == nil {
			t.AppendRow(table.Row{kind, "-", "-", "-", "-", ""})
			continue
		}
		var flags string
		if art.Inconsistent {
			flags += "inconsistent "
		}
		if art.UnderProtest {
			flags += "under-protest"
		}
		t.AppendRow(table.Row{kind, art.Revision, art.BestRating(), art.Lock.Mode, art.Lock.Dependents, flags})
	}
	t.Render()
	fmt.Printf("Head version: %d\n", p.Head)
	return nil
}

func runStage(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath, verbose)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.versions.FindProject(cmd.Context(), args[0], branchName)
	if err != nil {
		return err
	}

	var kind models.StageKind
	if len(args) > 1 {
		if kind, err = parseStage(args[1]); err != nil {
			return err
		}
	} else {
		next, ok := p.NextStage()
		if !ok {
			return fmt.Errorf("project %q is complete; name a stage to regenerate", p.Name)
		}
		kind = next
	}

	opts := job.StartOptions{
		Override:   flagOverride,
		Policy:     models.EditPolicy(flagPolicy),
		BranchName: flagBranchName,
	}

	jobID, err := a.manager.Start(cmd.Context(), p.ID, kind, opts)
	if err != nil {
		return err
	}
	fmt.Printf("Started job %s (%s / %s)\n", jobID, p.Name, kind)

	return attend(a, jobID)
}

// attend renders progress and waits for the job to come to rest.
// The first interrupt requests a pause at the next unit boundary; the
// second cancels outright.
func attend(a *app, jobID string) error {
	pr := presenter.New(a.bus)
	defer pr.Stop()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		if err := a.manager.Pause(jobID); err != nil {
			_ = a.manager.Cancel(jobID)
		}
	}()

	if err := a.manager.Wait(context.Background(), jobID); err != nil {
		return fmt.Errorf("job %s failed: %w", jobID, err)
	}

	rec, err := a.records.Get(context.Background(), jobID)
	if err != nil {
		return err
	}
	if rec.Status == models.JobPaused {
		fmt.Printf("Job %s paused at %.0f%%; resume with: storyloom jobs resume %s\n",
			jobID, rec.Progress*100, jobID)
	}
	return nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath, verbose)
	if err != nil {
		return err
	}
	defer a.Close()

	recs, err := a.records.List(cmd.Context())
	if err != nil {
		return err
	}
	t := newTable()
	t.AppendHeader(table.Row{"Job", "Project", "Stage", "Status", "Progress", "Retries", "Updated"})
	for _, r := range recs {
		t.AppendRow(table.Row{r.ID, r.ProjectID, r.Stage, r.Status,
			fmt.Sprintf("%.0f%%", r.Progress*100), r.RetryCount, r.UpdatedAt.Format("2006-01-02 15:04")})
	}
	t.Render()
	return nil
}

func runJobsInspect(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath, verbose)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.records.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Job:      %s\nProject:  %s\nStage:    %s\nStatus:   %s\nProgress: %.0f%%\nRetries:  %d\n",
		rec.ID, rec.ProjectID, rec.Stage, rec.Status, rec.Progress*100, rec.RetryCount)
	if rec.Error != "" {
		fmt.Printf("Error:    %s\n", rec.Error)
	}

	cp, err := a.checkpoints.Load(cmd.Context(), rec.ID)
	if err != nil {
		return err
	}
	if cp != nil {
		fmt.Printf("Checkpoint: %d/%d units complete, saved %s\n",
			cp.CompletedCount(), cp.TotalUnits, cp.SavedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func runJobsResume(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath, verbose)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.manager.Resume(cmd.Context(), args[0], job.StartOptions{}); err != nil {
		return err
	}
	fmt.Printf("Resumed job %s\n", args[0])
	return attend(a, args[0])
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath, verbose)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.manager.Cancel(args[0]); err != nil {
		return err
	}
	fmt.Printf("Cancelled job %s\n", args[0])
	return nil
}

func runJobsPurge(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath, verbose)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.records.Purge(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Purged job %s\n", args[0])
	return nil
}

func runVersionsList(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath, verbose)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.versions.FindProject(cmd.Context(), args[0], branchName)
	if err != nil {
		return err
	}
	infos, err := a.versions.ListVersions(cmd.Context(), p.ID)
	if err != nil {
		return err
	}
	t := newTable()
	t.AppendHeader(table.Row{"Version", "Stage", "Job", "Created"})
	for _, vi := range infos {
		marker := strconv.Itoa(vi.Version)
		if vi.Version == p.Head {
			marker += " *"
		}
		t.AppendRow(table.Row{marker, vi.Stage, vi.JobID, vi.CreatedAt.Format("2006-01-02 15:04")})
	}
	t.Render()
	return nil
}

func runRollback(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath, verbose)
	if err != nil {
		return err
	}
	defer a.Close()

	ver, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid version %q", args[1])
	}
	p, err := a.versions.FindProject(cmd.Context(), args[0], branchName)
	if err != nil {
		return err
	}
	if _, err := a.versions.Rollback(cmd.Context(), p, ver); err != nil {
		return err
	}
	fmt.Printf("Rolled %q back to version %d\n", p.Name, ver)
	return nil
}

func runFork(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath, verbose)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.versions.FindProject(cmd.Context(), args[0], branchName)
	if err != nil {
		return err
	}
	at := flagAtVersion
	if at == 0 {
		at = p.Head
	}
	fork, err := a.versions.Branch(cmd.Context(), p, at, args[1])
	if err != nil {
		return err
	}
	fmt.Printf("Forked %q at version %d into branch %q (%s)\n", p.Name, at, fork.Branch, fork.ID)
	return nil
}

func makeLockRunner(locked bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(configPath, verbose)
		if err != nil {
			return err
		}
		defer a.Close()

		kind, err := parseStage(args[1])
		if err != nil {
			return err
		}
		p, err := a.versions.FindProject(cmd.Context(), args[0], branchName)
		if err != nil {
			return err
		}
		if err := a.versions.Tracker().SetUserLock(p, kind, locked); err != nil {
			return err
		}
		if err := a.versions.SaveFlags(cmd.Context(), p); err != nil {
			return err
		}
		if locked {
			fmt.Printf("Locked %s on %q\n", kind, p.Name)
		} else {
			fmt.Printf("Unlocked %s on %q\n", kind, p.Name)
		}
		return nil
	}
}

func runCat(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath, verbose)
	if err != nil {
		return err
	}
	defer a.Close()

	kind, err := parseStage(args[1])
	if err != nil {
		return err
	}
	p, err := a.versions.FindProject(cmd.Context(), args[0], branchName)
	if err != nil {
		return err
	}
	art := p.Artifact(kind)
	if art == nil {
		return fmt.Errorf("stage %s has no committed content", kind)
	}
	fmt.Println(art.Content)
	return nil
}
