package cmds

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-go-golems/desktopctl/pkg/client"
	"github.com/go-go-golems/desktopctl/pkg/config"
	"github.com/go-go-golems/desktopctl/pkg/draft"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	ConfigPath string
	File       config.File
}

func AddRootFlags(root *cobra.Command) {
	addRootFlags(root)
}

func addRootFlags(root *cobra.Command) {
	root.PersistentFlags().String("config", "", "Path to config file (defaults to .desktopctl.yaml in the current directory)")
	root.PersistentFlags().String("server", "", "Desktop builder server URL (overrides server.url)")
	root.PersistentFlags().String("token", "", "Bearer token (overrides server.token; env DESKTOPCTL_TOKEN)")
	root.PersistentFlags().Duration("timeout", config.DefaultRequestTimeout, "Per-request timeout")
	root.PersistentFlags().String("drafts-dir", "", "Directory for local drafts (overrides drafts.dir)")
	root.PersistentFlags().String("drafts-backend", "", "Draft storage backend: file|sqlite (overrides drafts.backend)")
}

// getRootOptions loads the config file and applies root flags on top. Flags
// only override the file when they were set explicitly.
func getRootOptions(cmd *cobra.Command) (rootOptions, error) {
	flags := cmd.Root().PersistentFlags()

	cfgPath, err := flags.GetString("config")
	if err != nil {
		return rootOptions{}, err
	}
	if cfgPath == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return rootOptions{}, err
		}
		cfgPath = config.DefaultPath(cwd)
	}
	cfg, err := config.LoadOptional(cfgPath)
	if err != nil {
		return rootOptions{}, err
	}
	f := *cfg

	if flags.Changed("server") {
		if f.Server.URL, err = flags.GetString("server"); err != nil {
			return rootOptions{}, err
		}
	}
	if flags.Changed("token") {
		if f.Server.Token, err = flags.GetString("token"); err != nil {
			return rootOptions{}, err
		}
	} else if tok := os.Getenv("DESKTOPCTL_TOKEN"); tok != "" && f.Server.Token == "" {
		f.Server.Token = tok
	}
	if flags.Changed("timeout") || f.Server.Timeout <= 0 {
		timeout, err := flags.GetDuration("timeout")
		if err != nil {
			return rootOptions{}, err
		}
		if timeout <= 0 {
			return rootOptions{}, errors.New("timeout must be > 0")
		}
		f.Server.Timeout = timeout
	}
	if flags.Changed("drafts-dir") {
		if f.Drafts.Dir, err = flags.GetString("drafts-dir"); err != nil {
			return rootOptions{}, err
		}
	}
	if flags.Changed("drafts-backend") {
		if f.Drafts.Backend, err = flags.GetString("drafts-backend"); err != nil {
			return rootOptions{}, err
		}
	}
	if f.Drafts.Dir == "" {
		f.Drafts.Dir = config.DefaultDraftsDir()
	}
	if err := f.Validate(); err != nil {
		return rootOptions{}, err
	}
	return rootOptions{ConfigPath: cfgPath, File: f.WithDefaults()}, nil
}

func newClient(opts rootOptions) (*client.HTTPClient, error) {
	if opts.File.Server.URL == "" {
		return nil, errors.Errorf("no server configured: pass --server or set server.url in %s", opts.ConfigPath)
	}
	return client.NewHTTPClient(client.HTTPOptions{
		BaseURL: opts.File.Server.URL,
		Token:   opts.File.Server.Token,
		Timeout: opts.File.Server.Timeout,
	})
}

// openDrafts never fails: without usable storage drafts are simply disabled.
func openDrafts(opts rootOptions) (*draft.Cache, func()) {
	st, err := draft.Open(opts.File.Drafts.Backend, opts.File.Drafts.Dir)
	if err != nil {
		log.Debug().Err(err).Str("dir", opts.File.Drafts.Dir).Msg("local drafts disabled")
		return draft.NewCache(draft.Options{}), func() {}
	}
	cache := draft.NewCache(draft.Options{
		Storage:   st,
		MaxDrafts: opts.File.Drafts.MaxDrafts,
		TTL:       opts.File.Drafts.TTL,
	})
	closer := func() {}
	if c, ok := st.(io.Closer); ok {
		closer = func() { _ = c.Close() }
	}
	return cache, closer
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal output")
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return nil
}

// parseAssignments turns key=value pairs into a form-state partial. Values
// that parse as JSON keep their type; anything else is a string.
func parseAssignments(args []string) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, errors.Errorf("invalid assignment %q (want key=value)", arg)
		}
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err == nil {
			out[k] = parsed
		} else {
			out[k] = v
		}
	}
	return out, nil
}

func parseSecrets(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, errors.Errorf("invalid secret %q (want KEY=value)", arg)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}
