package cmds

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-go-golems/desktopctl/pkg/engine"
	"github.com/go-go-golems/desktopctl/pkg/protocol"
	"github.com/go-go-golems/desktopctl/pkg/scenario"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type runFlags struct {
	scenario       string
	stages         []string
	platforms      []string
	bundled        bool
	manifest       string
	deploymentMode string
	secrets        []string
	secretsFile    string
	config         []string
	overrideGates  bool
}

type runOutput struct {
	scenario.View
	PersistErrors []string `json:"persist_errors,omitempty"`
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the build pipeline for a scenario and wait for it to finish",
		Long: "Submits a pipeline run, polls it to a terminal status and records the outcome in the scenario state.\n" +
			"Ctrl-C requests cancellation and keeps waiting until the server confirms it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := f.params()
			if err != nil {
				return err
			}
			// fail fast, before touching the network
			if _, err := engine.Validate(params); err != nil {
				return err
			}

			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			c, err := newClient(opts)
			if err != nil {
				return err
			}
			drafts, closeDrafts := openDrafts(opts)
			defer closeDrafts()

			sess, err := scenario.New(scenario.Options{
				Client: c,
				Drafts: drafts,
				Config: opts.File,
			})
			if err != nil {
				return err
			}
			defer sess.Close()

			loadCtx, cancelLoad := requestContext(cmd, opts)
			if err := sess.Load(loadCtx, params.ScenarioName); err != nil {
				log.Warn().Err(err).Str("scenario", params.ScenarioName).Msg("could not load scenario state; the result will not be recorded")
			}
			cancelLoad()

			runCtx, cancelRun := requestContext(cmd, opts)
			run, err := sess.Run(runCtx, params)
			cancelRun()
			if err != nil {
				return err
			}
			log.Info().Str("pipeline_id", run.PipelineID).Str("scenario", run.ScenarioName).Msg("pipeline submitted")

			final, err := waitWithCancel(cmd, opts, sess)
			if err != nil {
				return err
			}

			out := runOutput{View: sess.View()}
			for _, perr := range sess.PersistErrors() {
				out.PersistErrors = append(out.PersistErrors, perr.Error())
			}
			if err := printJSON(cmd, out); err != nil {
				return err
			}

			if final.Status != protocol.RunCompleted {
				if final.Failure != nil {
					return final.Failure
				}
				if final.Error != "" {
					return errors.New(final.Error)
				}
				return errors.Errorf("pipeline %s ended with status %s", final.PipelineID, final.Status)
			}
			if g := out.Gates; !g.Permit(f.overrideGates) {
				return errors.Errorf("pipeline %s completed but gates did not pass: %s", final.PipelineID, strings.Join(g.Failed(), ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&f.scenario, "scenario", "", "Scenario name")
	cmd.Flags().StringSliceVar(&f.stages, "stage", nil, "Stage to run (repeatable; default all stages)")
	cmd.Flags().StringSliceVar(&f.platforms, "platform", nil, "Target platform (repeatable)")
	cmd.Flags().BoolVar(&f.bundled, "bundled", false, "Build from a bundle manifest")
	cmd.Flags().StringVar(&f.manifest, "manifest", "", "Bundle manifest path (defaults to the one stored in the scenario)")
	cmd.Flags().StringVar(&f.deploymentMode, "deployment-mode", "", "Deployment mode passed to the server")
	cmd.Flags().StringArrayVar(&f.secrets, "secret", nil, "Secret override KEY=value (repeatable, wins over --secrets-file)")
	cmd.Flags().StringVar(&f.secretsFile, "secrets-file", "", "dotenv file with secret overrides")
	cmd.Flags().StringArrayVar(&f.config, "set", nil, "Config override key=value (repeatable)")
	cmd.Flags().BoolVar(&f.overrideGates, "override-gates", false, "Exit successfully even if validation, readiness or secrets gates failed")
	return cmd
}

func (f runFlags) params() (engine.RunParams, error) {
	p := engine.RunParams{
		ScenarioName:       f.scenario,
		Platforms:          f.platforms,
		DeploymentMode:     f.deploymentMode,
		IsBundled:          f.bundled,
		BundleManifestPath: f.manifest,
	}
	for _, s := range f.stages {
		st, err := protocol.ParseStage(s)
		if err != nil {
			return engine.RunParams{}, err
		}
		p.Stages = append(p.Stages, st)
	}

	secrets := map[string]string{}
	if f.secretsFile != "" {
		fromFile, err := godotenv.Read(f.secretsFile)
		if err != nil {
			return engine.RunParams{}, errors.Wrapf(err, "read secrets file %s", f.secretsFile)
		}
		for k, v := range fromFile {
			secrets[k] = v
		}
	}
	fromFlags, err := parseSecrets(f.secrets)
	if err != nil {
		return engine.RunParams{}, err
	}
	for k, v := range fromFlags {
		secrets[k] = v
	}
	if len(secrets) > 0 {
		p.SecretsOverride = secrets
	}

	if len(f.config) > 0 {
		cfg, err := parseAssignments(f.config)
		if err != nil {
			return engine.RunParams{}, err
		}
		p.ConfigOverride = cfg
	}
	return p, nil
}

// waitWithCancel waits for the run to end. The first SIGINT/SIGTERM asks the
// server to cancel; a second one kills the process.
func waitWithCancel(cmd *cobra.Command, opts rootOptions, sess *scenario.Session) (engine.PipelineRun, error) {
	parent := cmd.Context()
	sigCtx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	final, err := sess.Wait(sigCtx)
	stop()
	if err == nil || parent.Err() != nil {
		return final, err
	}

	log.Warn().Str("pipeline_id", final.PipelineID).Msg("interrupted, cancelling pipeline run")
	cctx, cancel := context.WithTimeout(parent, opts.File.Server.Timeout)
	if cerr := sess.Cancel(cctx); cerr != nil {
		log.Warn().Err(cerr).Msg("cancel request failed")
	}
	cancel()
	return sess.Wait(parent)
}
