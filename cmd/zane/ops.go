package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zane-ops/zane/pkg/cloner"
	"github.com/zane-ops/zane/pkg/ledger"
	"github.com/zane-ops/zane/pkg/types"
)

var deployCmd = &cobra.Command{
	Use:   "deploy SERVICE_ID",
	Short: "Apply pending changes and deploy a service",
	Long: `Validate and apply the service's pending changes, then run the
deployment to completion in the foreground.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		noCache, _ := cmd.Flags().GetBool("no-cache")
		commit, _ := cmd.Flags().GetString("commit")

		rt, err := buildRuntime()
		if err != nil {
			return err
		}
		defer rt.shutdown()
		ctx := cmd.Context()

		dep, err := rt.ledger.Apply(ctx, args[0], ledger.ApplyOptions{
			IgnoreBuildCache: noCache,
			CommitSHA:        commit,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Deployment %s queued (slot %s)\n", dep.Hash, dep.Slot)

		if err := rt.orch.Enqueue(ctx, dep); err != nil {
			return err
		}
		if err := rt.orch.Wait(ctx, dep.Hash); err != nil {
			return err
		}

		final, err := rt.store.GetDeployment(dep.Hash)
		if err != nil {
			return err
		}
		fmt.Printf("Deployment %s finished: %s\n", final.Hash, final.Status)
		if final.StatusReason != "" {
			fmt.Printf("  %s\n", final.StatusReason)
		}
		if final.Status != types.DeploymentHealthy {
			return fmt.Errorf("deployment did not become healthy")
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel DEPLOYMENT_HASH",
	Short: "Cancel an in-flight deployment",
	Long: `Resume interrupted deployment workflows, cancel the given one and
wait for its compensation to finish.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime()
		if err != nil {
			return err
		}
		defer rt.shutdown()
		ctx := cmd.Context()

		if err := rt.orch.Resume(ctx); err != nil {
			return err
		}
		if err := rt.orch.Cancel(ctx, args[0]); err != nil {
			return err
		}
		if err := rt.orch.Wait(ctx, args[0]); err != nil {
			return err
		}

		final, err := rt.store.GetDeployment(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Deployment %s: %s\n", final.Hash, final.Status)
		return nil
	},
}

// Environment commands
var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Manage environments",
}

var envCloneCmd = &cobra.Command{
	Use:   "clone SOURCE_ENV_ID NAME",
	Short: "Clone an environment into a new one",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		preview, _ := cmd.Flags().GetBool("preview")
		deploy, _ := cmd.Flags().GetBool("deploy")

		rt, err := buildRuntime()
		if err != nil {
			return err
		}
		defer rt.shutdown()

		env, err := rt.cloner.Clone(cmd.Context(), args[0], cloner.Options{
			TargetName:     args[1],
			IsPreview:      preview,
			DeployServices: deploy,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Environment %s created (%s)\n", env.Name, env.ID)
		if deploy {
			if err := waitForEnvironment(cmd.Context(), rt, env.ID); err != nil {
				return err
			}
		}
		return nil
	},
}

var envArchiveCmd = &cobra.Command{
	Use:   "archive ENV_ID",
	Short: "Archive an environment and all its services",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime()
		if err != nil {
			return err
		}
		defer rt.shutdown()

		if err := rt.archiver.ArchiveEnvironment(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("✓ Environment archived")
		return nil
	},
}

// waitForEnvironment blocks until every service of the environment has
// finished its foreground deployment.
func waitForEnvironment(ctx context.Context, rt *runtime, environmentID string) error {
	services, err := rt.store.ListServices(environmentID)
	if err != nil {
		return err
	}
	for _, svc := range services {
		dep, err := rt.store.CurrentProduction(svc.ID)
		if err != nil {
			return err
		}
		if dep == nil {
			dep, err = rt.store.ActiveDeployment(svc.ID)
			if err != nil || dep == nil {
				continue
			}
		}
		if err := rt.orch.Wait(ctx, dep.Hash); err != nil {
			return err
		}
		final, err := rt.store.GetDeployment(dep.Hash)
		if err != nil {
			return err
		}
		fmt.Printf("  %s: %s\n", svc.Slug, final.Status)
	}
	return nil
}

func init() {
	deployCmd.Flags().Bool("no-cache", false, "Ignore the build cache")
	deployCmd.Flags().String("commit", "", "Deploy a specific commit SHA (git services)")

	envCloneCmd.Flags().Bool("preview", false, "Mark the clone a preview environment")
	envCloneCmd.Flags().Bool("deploy", false, "Deploy every cloned service immediately")

	envCmd.AddCommand(envCloneCmd)
	envCmd.AddCommand(envArchiveCmd)
}

// Service commands
var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage services",
}

var serviceArchiveCmd = &cobra.Command{
	Use:   "archive SERVICE_ID",
	Short: "Archive a service and remove its resources",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime()
		if err != nil {
			return err
		}
		defer rt.shutdown()

		if err := rt.archiver.ArchiveService(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("✓ Service archived")
		return nil
	},
}

func init() {
	serviceCmd.AddCommand(serviceArchiveCmd)
}

// Project commands
var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects",
}

var projectArchiveCmd = &cobra.Command{
	Use:   "archive PROJECT_ID",
	Short: "Archive a project with every environment in it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime()
		if err != nil {
			return err
		}
		defer rt.shutdown()

		if err := rt.archiver.ArchiveProject(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("✓ Project archived")
		return nil
	},
}

func init() {
	projectCmd.AddCommand(projectArchiveCmd)
}
