// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/shayne/yargs"
	"github.com/yeetrun/ocidelta/pkg/cmdutil"
	"github.com/yeetrun/ocidelta/pkg/config"
	"github.com/yeetrun/ocidelta/pkg/copyutil"
	"github.com/yeetrun/ocidelta/pkg/delta"
	"github.com/yeetrun/ocidelta/pkg/pull"
	"github.com/yeetrun/ocidelta/pkg/registry"
	"github.com/yeetrun/ocidelta/pkg/tree"
)

// positional strips the command name and returns exactly n positional
// arguments.
func positional(args []string, cmd string, n int, usage string) ([]string, error) {
	if len(args) > 0 && args[0] == cmd {
		args = args[1:]
	}
	if len(args) != n {
		return nil, fmt.Errorf("usage: ocidelta %s %s", cmd, usage)
	}
	return args, nil
}

func isRegistryURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "file:")
}

// openRemote opens the configured remote called name. A registry URL is
// accepted in place of a name.
func openRemote(ctx context.Context, loc *config.Location, name string) (*registry.Registry, config.Remote, error) {
	rc, ok := loc.Config.Remote(name)
	if !ok {
		if !isRegistryURL(name) {
			return nil, rc, fmt.Errorf("unknown remote %q", name)
		}
		rc = config.Remote{URL: name}
	}
	reg, err := registry.New(ctx, registry.Config{
		URI:    rc.URL,
		TmpDir: loc.Resolve(loc.Config.TmpDir),
		CAFile: loc.Resolve(rc.CAFile),
	})
	if err != nil {
		return nil, rc, err
	}
	return reg, rc, nil
}

func openMirror(ctx context.Context, loc *config.Location, forWrite bool) (*registry.Registry, error) {
	return registry.New(ctx, registry.Config{
		URI:      "file:" + loc.MirrorDir(),
		ForWrite: forWrite,
		TmpDir:   loc.Resolve(loc.Config.TmpDir),
	})
}

// authorize installs a bearer token for image on reg if the registry
// asks for one.
func authorize(ctx context.Context, reg *registry.Registry, rc config.Remote, image string) error {
	if reg.IsLocal() {
		return nil
	}
	tok, err := reg.GetToken(ctx, rc.Repository, image, rc.BasicAuthHeader())
	if err != nil {
		return err
	}
	if tok != "" {
		reg.SetToken(tok)
	}
	return nil
}

func firstNonEmpty(s ...string) string {
	for _, v := range s {
		if v != "" {
			return v
		}
	}
	return ""
}

type pullFlagsParsed struct {
	NoDeltas bool   `flag:"no-deltas" help:"Always download full layers"`
	DeltaURL string `flag:"delta-url" help:"Delta manifest to use instead of the remote's"`
}

// pullTarget is what pull and mirror share: an opened remote and the
// image to fetch from it.
type pullTarget struct {
	loc    *config.Location
	reg    *registry.Registry
	remote config.Remote
	ref    string
	digest digest.Digest
	flags  pullFlagsParsed
	repo   *tree.Repo
}

func preparePull(ctx context.Context, cmd string, args []string) (*pullTarget, error) {
	result, err := yargs.ParseFlags[pullFlagsParsed](args)
	if err != nil {
		return nil, err
	}
	pos, err := positional(result.Args, cmd, 3, "REMOTE REF IMAGE")
	if err != nil {
		return nil, err
	}
	loc, err := loadConfig()
	if err != nil {
		return nil, err
	}
	t := &pullTarget{loc: loc, ref: pos[1], flags: result.Flags}
	t.reg, t.remote, err = openRemote(ctx, loc, pos[0])
	if err != nil {
		return nil, err
	}
	if err := authorize(ctx, t.reg, t.remote, pos[2]); err != nil {
		return nil, err
	}
	t.digest, err = pull.ResolveDigest(ctx, t.reg, t.remote.Repository, pos[2])
	if err != nil {
		return nil, err
	}
	t.repo, err = tree.Open(loc.RepoDir())
	if err != nil {
		return nil, err
	}
	return t, nil
}

func handlePull(ctx context.Context, args []string) error {
	t, err := preparePull(ctx, "pull", args)
	if err != nil {
		return err
	}
	defer t.reg.Close()
	pr := newProgressPrinter(os.Stderr, globalFlags.Quiet)
	id, err := pull.New(pull.Config{Repo: t.repo}).Pull(ctx, pull.PullOptions{
		Registry:   t.reg,
		Repository: t.remote.Repository,
		Digest:     t.digest,
		DeltaURL:   firstNonEmpty(t.flags.DeltaURL, t.remote.DeltaURL),
		Remote:     t.remote.Name,
		Ref:        t.ref,
		NoDeltas:   t.flags.NoDeltas || t.remote.NoDeltas,
		Progress:   pr.Update,
	})
	pr.Done(err == nil)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func handleMirror(ctx context.Context, args []string) error {
	t, err := preparePull(ctx, "mirror", args)
	if err != nil {
		return err
	}
	defer t.reg.Close()
	dst, err := openMirror(ctx, t.loc, true)
	if err != nil {
		return err
	}
	defer dst.Close()
	pr := newProgressPrinter(os.Stderr, globalFlags.Quiet)
	err = pull.New(pull.Config{Repo: t.repo}).Mirror(ctx, pull.MirrorOptions{
		Dst:        dst,
		Src:        t.reg,
		Repository: t.remote.Repository,
		Digest:     t.digest,
		DeltaURL:   firstNonEmpty(t.flags.DeltaURL, t.remote.DeltaURL),
		Remote:     t.remote.Name,
		Ref:        t.ref,
		NoDeltas:   t.flags.NoDeltas || t.remote.NoDeltas,
		Progress:   pr.Update,
	})
	pr.Done(err == nil)
	if err != nil {
		return err
	}
	fmt.Println(t.digest)
	return nil
}

type serveFlagsParsed struct {
	Addr     string `flag:"addr" help:"Listen address" default:":5000"`
	Token    string `flag:"token" help:"Require this bearer token"`
	User     string `flag:"user" help:"Username for the /token endpoint"`
	Password string `flag:"password" help:"Password for the /token endpoint"`
}

func handleServe(ctx context.Context, args []string) error {
	result, err := yargs.ParseFlags[serveFlagsParsed](args)
	if err != nil {
		return err
	}
	if _, err := positional(result.Args, "serve", 0, "[--addr=:5000]"); err != nil {
		return err
	}
	flags := result.Flags
	if flags.Addr == "" {
		flags.Addr = ":5000"
	}
	loc, err := loadConfig()
	if err != nil {
		return err
	}
	reg, err := openMirror(ctx, loc, false)
	if err != nil {
		return err
	}
	defer reg.Close()
	h, err := registry.NewServer(reg, registry.ServerOptions{
		Token:    flags.Token,
		Username: flags.User,
		Password: flags.Password,
	})
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: flags.Addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	fmt.Fprintf(os.Stderr, "serving %s on %s\n", loc.MirrorDir(), flags.Addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type layerFlagsParsed struct {
	Prefix string `flag:"prefix" help:"Path prefix for entries in the layer"`
}

type layerResult struct {
	DiffID     digest.Digest `json:"diffID"`
	Descriptor any           `json:"descriptor"`
}

func handleLayer(ctx context.Context, args []string) error {
	result, err := yargs.ParseFlags[layerFlagsParsed](args)
	if err != nil {
		return err
	}
	pos, err := positional(result.Args, "layer", 1, "DIR [--prefix=PATH]")
	if err != nil {
		return err
	}
	loc, err := loadConfig()
	if err != nil {
		return err
	}
	reg, err := openMirror(ctx, loc, true)
	if err != nil {
		return err
	}
	defer reg.Close()

	w, err := reg.WriteLayer()
	if err != nil {
		return err
	}
	if err := copyutil.TarDirectory(w, pos[0], result.Flags.Prefix); err != nil {
		w.Abort()
		return fmt.Errorf("pack %s: %w", pos[0], err)
	}
	diffID, desc, err := w.Close()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(layerResult{DiffID: diffID, Descriptor: desc})
}

type applyDeltaFlagsParsed struct {
	Out   string `flag:"out" help:"Write the layer to this file (default stdout)"`
	Store bool   `flag:"store" help:"Store the layer in the local OCI layout under its digest"`
}

// resolveCommit accepts a commit ID, "remote:ref" or a local ref.
func resolveCommit(repo *tree.Repo, spec string) (string, error) {
	if _, err := repo.LoadCommit(spec); err == nil {
		return spec, nil
	}
	remote, ref, ok := strings.Cut(spec, ":")
	if !ok {
		remote, ref = "", spec
	}
	id, found, err := repo.ResolveRef(remote, ref)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("no commit or ref %q", spec)
	}
	return id, nil
}

func handleApplyDelta(ctx context.Context, args []string) error {
	result, err := yargs.ParseFlags[applyDeltaFlagsParsed](args)
	if err != nil {
		return err
	}
	pos, err := positional(result.Args, "apply-delta", 2, "DELTA COMMIT|REMOTE:REF [--out=FILE | --store]")
	if err != nil {
		return err
	}
	flags := result.Flags
	if flags.Store && flags.Out != "" {
		return errors.New("--out and --store are mutually exclusive")
	}
	loc, err := loadConfig()
	if err != nil {
		return err
	}
	repo, err := tree.Open(loc.RepoDir())
	if err != nil {
		return err
	}
	id, err := resolveCommit(repo, pos[1])
	if err != nil {
		return err
	}
	root, err := repo.ReadCommit(id)
	if err != nil {
		return err
	}
	defer root.Close()
	in, err := os.Open(pos[0])
	if err != nil {
		return err
	}
	defer in.Close()

	if flags.Store {
		reg, err := openMirror(ctx, loc, true)
		if err != nil {
			return err
		}
		defer reg.Close()
		d, err := reg.ApplyDeltaToBlob(ctx, in, root)
		if err != nil {
			return err
		}
		fmt.Println(d)
		return nil
	}

	var out io.Writer = os.Stdout
	if flags.Out != "" && flags.Out != "-" {
		f, err := os.Create(flags.Out)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	tmpDir := loc.Resolve(loc.Config.TmpDir)
	if tmpDir == "" {
		tmpDir = registry.DefaultTmpDir()
	}
	dg := digest.SHA256.Digester()
	if err := delta.Apply(ctx, in, root, io.MultiWriter(out, dg.Hash()), delta.Options{TmpDir: tmpDir}); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, dg.Digest())
	return nil
}

type basicAuthFlagsParsed struct {
	BasicAuth string `flag:"basic-auth" help:"USER:PASSWORD for the token realm"`
}

func handleToken(ctx context.Context, args []string) error {
	result, err := yargs.ParseFlags[basicAuthFlagsParsed](args)
	if err != nil {
		return err
	}
	pos, err := positional(result.Args, "token", 2, "REMOTE IMAGE")
	if err != nil {
		return err
	}
	loc, err := loadConfig()
	if err != nil {
		return err
	}
	reg, rc, err := openRemote(ctx, loc, pos[0])
	if err != nil {
		return err
	}
	defer reg.Close()
	if result.Flags.BasicAuth != "" {
		rc.BasicAuth = result.Flags.BasicAuth
	}
	tok, err := reg.GetToken(ctx, rc.Repository, pos[1], rc.BasicAuthHeader())
	if err != nil {
		return err
	}
	if tok == "" {
		fmt.Fprintln(os.Stderr, "no token required")
		return nil
	}
	fmt.Println(tok)
	return nil
}

func handleResolve(ctx context.Context, args []string) error {
	pos, err := positional(args, "resolve", 2, "REMOTE TAG")
	if err != nil {
		return err
	}
	loc, err := loadConfig()
	if err != nil {
		return err
	}
	reg, rc, err := openRemote(ctx, loc, pos[0])
	if err != nil {
		return err
	}
	defer reg.Close()
	if err := authorize(ctx, reg, rc, pos[1]); err != nil {
		return err
	}
	d, err := pull.ResolveDigest(ctx, reg, rc.Repository, pos[1])
	if err != nil {
		return err
	}
	fmt.Println(d)
	return nil
}

func handleRefs(_ context.Context, args []string) error {
	if _, err := positional(args, "refs", 0, ""); err != nil {
		return err
	}
	loc, err := loadConfig()
	if err != nil {
		return err
	}
	repo, err := tree.Open(loc.RepoDir())
	if err != nil {
		return err
	}
	refs, err := repo.Refs()
	if err != nil {
		return err
	}
	return writeRefs(os.Stdout, refs)
}

func writeRefs(w io.Writer, refs map[string]string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, name := range sortedKeys(refs) {
		fmt.Fprintf(tw, "%s\t%s\n", name, refs[name])
	}
	return tw.Flush()
}

type remoteAddFlagsParsed struct {
	Repository string `flag:"repository" help:"Repository within the registry"`
	DeltaURL   string `flag:"delta-url" help:"Delta manifest URL"`
	BasicAuth  string `flag:"basic-auth" help:"USER:PASSWORD for the token realm"`
	CAFile     string `flag:"ca-file" help:"PEM bundle to trust"`
	NoDeltas   bool   `flag:"no-deltas" help:"Never use deltas from this remote"`
}

func handleRemoteAdd(_ context.Context, args []string) error {
	result, err := yargs.ParseFlags[remoteAddFlagsParsed](args)
	if err != nil {
		return err
	}
	pos, err := positional(result.Args, "add", 2, "NAME URL")
	if err != nil {
		return err
	}
	if !isRegistryURL(pos[1]) {
		return fmt.Errorf("invalid registry url %q", pos[1])
	}
	loc, err := loadConfig()
	if err != nil {
		return err
	}
	f := result.Flags
	loc.Config.SetRemote(config.Remote{
		Name:       pos[0],
		URL:        pos[1],
		Repository: f.Repository,
		DeltaURL:   f.DeltaURL,
		BasicAuth:  f.BasicAuth,
		CAFile:     f.CAFile,
		NoDeltas:   f.NoDeltas,
	})
	if err := config.Save(loc); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "saved remote %s to %s\n", pos[0], loc.Path)
	return nil
}

func handleRemoteList(_ context.Context, args []string) error {
	if _, err := positional(args, "list", 0, ""); err != nil {
		return err
	}
	loc, err := loadConfig()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tURL\tREPOSITORY")
	for _, r := range loc.Config.Remotes {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Name, r.URL, r.Repository)
	}
	return tw.Flush()
}

type remoteRemoveFlagsParsed struct {
	Yes bool `flag:"yes" short:"y" help:"Do not ask for confirmation"`
}

func handleRemoteRemove(_ context.Context, args []string) error {
	result, err := yargs.ParseFlags[remoteRemoveFlagsParsed](args)
	if err != nil {
		return err
	}
	pos, err := positional(result.Args, "remove", 1, "NAME [--yes]")
	if err != nil {
		return err
	}
	loc, err := loadConfig()
	if err != nil {
		return err
	}
	if _, ok := loc.Config.Remote(pos[0]); !ok {
		return fmt.Errorf("unknown remote %q", pos[0])
	}
	if !result.Flags.Yes && cmdutil.Interactive(os.Stdin) {
		ok, err := cmdutil.Confirm(os.Stdin, os.Stderr, fmt.Sprintf("Remove remote %s?", pos[0]))
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("aborted")
		}
	}
	loc.Config.RemoveRemote(pos[0])
	return config.Save(loc)
}
