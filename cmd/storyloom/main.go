package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath string
	branchName string
	verbose    bool

	flagOverride   bool
	flagPolicy     string
	flagBranchName string
	flagAtVersion  int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "storyloom",
		Short: "Storyloom - staged long-form fiction generator",
		Long: `Storyloom drives a fixed pipeline of generation stages (concept, cast,
setting, locations, outline, breakdown, prose) through a draft/critique
loop, with versioned projects, resumable batch jobs, and branching.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&branchName, "branch", "main", "Project branch to operate on")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	projectCmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
	}
	projectCmd.AddCommand(
		&cobra.Command{
			Use:   "create <name>",
			Short: "Create a new project on the main branch",
			Args:  cobra.ExactArgs(1),
			RunE:  runProjectCreate,
		},
		&cobra.Command{
			Use:   "list",
			Short: "List projects and branches",
			RunE:  runProjectList,
		},
		&cobra.Command{
			Use:   "show <name>",
			Short: "Show a project's stage states",
			Args:  cobra.ExactArgs(1),
			RunE:  runProjectShow,
		},
	)

	runCmd := &cobra.Command{
		Use:   "run <project> [stage]",
		Short: "Run the next (or a named) stage as a job",
		Long: `Run one stage through the draft/critique loop and commit the result.
Without a stage argument the next incomplete stage runs. Prose runs as a
checkpointed batch job; Ctrl-C pauses it at the next scene boundary.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runStage,
	}
	runCmd.Flags().BoolVar(&flagOverride, "override", false, "Regenerate even if the stage is locked")
	runCmd.Flags().StringVar(&flagPolicy, "policy", "", "Edit policy for regenerating mid-pipeline: branch, regenerate-cascade, or mark-inconsistent")
	runCmd.Flags().StringVar(&flagBranchName, "branch-name", "", "New branch name (required with --policy branch)")

	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage generation jobs",
	}
	jobsCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List all jobs",
			RunE:  runJobsList,
		},
		&cobra.Command{
			Use:   "inspect <job-id>",
			Short: "Show one job and its checkpoint",
			Args:  cobra.ExactArgs(1),
			RunE:  runJobsInspect,
		},
		&cobra.Command{
			Use:   "resume <job-id>",
			Short: "Resume a paused job from its checkpoint",
			Args:  cobra.ExactArgs(1),
			RunE:  runJobsResume,
		},
		&cobra.Command{
			Use:   "cancel <job-id>",
			Short: "Cancel a pending or paused job",
			Args:  cobra.ExactArgs(1),
			RunE:  runJobsCancel,
		},
		&cobra.Command{
			Use:   "purge <job-id>",
			Short: "Delete a finished job record and its checkpoint",
			Args:  cobra.ExactArgs(1),
			RunE:  runJobsPurge,
		},
	)

	versionsCmd := &cobra.Command{
		Use:   "versions",
		Short: "Inspect and roll back project versions",
	}
	rollbackCmd := &cobra.Command{
		Use:   "rollback <project> <version>",
		Short: "Restore the project to an earlier version",
		Long: `Restore the project's stage pointers to those of an earlier version.
Nothing is deleted; the next commit continues the version sequence.`,
		Args: cobra.ExactArgs(2),
		RunE: runRollback,
	}
	versionsCmd.AddCommand(
		&cobra.Command{
			Use:   "list <project>",
			Short: "List committed versions",
			Args:  cobra.ExactArgs(1),
			RunE:  runVersionsList,
		},
		rollbackCmd,
	)

	branchCmd := &cobra.Command{
		Use:   "fork <project> <new-branch>",
		Short: "Fork a project into a new branch",
		Long: `Fork the project at a version into a new branch. The branch shares
history up to the fork point and diverges from there.`,
		Args: cobra.ExactArgs(2),
		RunE: runFork,
	}
	branchCmd.Flags().IntVar(&flagAtVersion, "at", 0, "Version to fork at (default: current head)")

	lockCmd := &cobra.Command{
		Use:   "lock <project> <stage>",
		Short: "Protect a stage from regeneration",
		Args:  cobra.ExactArgs(2),
		RunE:  makeLockRunner(true),
	}
	unlockCmd := &cobra.Command{
		Use:   "unlock <project> <stage>",
		Short: "Remove a user lock from a stage",
		Args:  cobra.ExactArgs(2),
		RunE:  makeLockRunner(false),
	}

	showCmd := &cobra.Command{
		Use:   "cat <project> <stage>",
		Short: "Print a stage's committed content",
		Args:  cobra.ExactArgs(2),
		RunE:  runCat,
	}

	rootCmd.AddCommand(projectCmd, runCmd, jobsCmd, versionsCmd, branchCmd, lockCmd, unlockCmd, showCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
