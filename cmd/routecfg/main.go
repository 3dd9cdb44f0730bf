package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/spin-stack/routecfg/internal/config"
	"github.com/spin-stack/routecfg/internal/guestfile"
	"github.com/spin-stack/routecfg/internal/paths"
	"github.com/spin-stack/routecfg/internal/provision"
	"github.com/spin-stack/routecfg/internal/reconcile"
	"github.com/spin-stack/routecfg/internal/store"
	"github.com/spin-stack/routecfg/internal/version"
)

const usage = `usage: routecfg [-config FILE] [-debug] <command> [flags]

commands:
  create  -id ID -f FILE   create VM network state from a JSON payload
  update  -id ID -f FILE   apply a JSON delta to a VM
  show    -id ID           print the stored state of a VM
  list                     list known VMs
  delete  -id ID           remove a VM and its guest files
  render  -id ID           print the guest files of a VM
  publish -id ID           rewrite the guest files of a VM
  apply   [-root DIR] [-route-file PATH] [-netns PATH]
                           reconcile kernel routes with the route file (guest side)
  version                  print version information
`

type command func(ctx context.Context, cfgPath string, args []string) error

var commands = map[string]command{
	"create":  runCreate,
	"update":  runUpdate,
	"show":    runShow,
	"list":    runList,
	"delete":  runDelete,
	"render":  runRender,
	"publish": runPublish,
	"apply":   runApply,
	"version": runVersion,
}

func main() {
	var (
		configFile string
		debug      bool
	)
	flag.StringVar(&configFile, "config", "", "Path to configuration file (default $"+config.ConfigEnvVar+" or "+config.DefaultConfigPath+")")
	flag.BoolVar(&debug, "debug", false, "Debug log level")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if debug {
		log.SetLevel("debug")
	} else {
		log.SetLevel("info")
	}

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	name, args := flag.Arg(0), flag.Args()[1:]
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.G(ctx).WithFields(log.Fields{
		"version": version.UserAgent(),
		"command": name,
	}).Debug("starting routecfg")

	if err := cmd(ctx, configFile, args); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps request errors to distinct exit statuses for scripting.
func exitCode(err error) int {
	switch {
	case errdefs.IsInvalidArgument(err):
		return 3
	case errdefs.IsNotFound(err):
		return 4
	case errdefs.IsAlreadyExists(err):
		return 5
	case errors.Is(err, flag.ErrHelp):
		return 2
	default:
		return 1
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFrom(path)
	}
	return config.Get()
}

// openService wires the state store and guest publisher from configuration.
func openService(cfgPath string) (*provision.Service, *config.Config, func(), error) {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return nil, nil, nil, err
	}
	st, err := store.NewBoltStore[reconcile.State](paths.StateDBPath(cfg.Paths), paths.StateBucket)
	if err != nil {
		return nil, nil, nil, err
	}
	pub := guestfile.NewFilePublisher(cfg.Paths, guestfile.Layout{
		ResolverFile: cfg.Guest.ResolverFile,
		RouteFile:    cfg.Guest.RouteFile,
		NetConfFile:  cfg.Guest.NetConfFile,
	})
	svc := provision.NewService(st, pub, cfg.Network)
	return svc, cfg, func() { st.Close() }, nil
}

// vmFlags parses the common -id (and optionally -f) flags of a subcommand.
func vmFlags(name string, args []string, withFile bool) (id, file string, err error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&id, "id", "", "VM identifier")
	if withFile {
		fs.StringVar(&file, "f", "", "JSON payload file (- for stdin)")
	}
	if err := fs.Parse(args); err != nil {
		return "", "", err
	}
	if id == "" {
		return "", "", fmt.Errorf("%s: -id is required: %w", name, errdefs.ErrInvalidArgument)
	}
	if withFile && file == "" {
		return "", "", fmt.Errorf("%s: -f is required: %w", name, errdefs.ErrInvalidArgument)
	}
	return id, file, nil
}

func readPayload(file string, v any) error {
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return fmt.Errorf("failed to read payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse payload %s: %v: %w", file, err, errdefs.ErrInvalidArgument)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runCreate(ctx context.Context, cfgPath string, args []string) error {
	id, file, err := vmFlags("create", args, true)
	if err != nil {
		return err
	}
	var req provision.CreateRequest
	if err := readPayload(file, &req); err != nil {
		return err
	}
	svc, _, closeFn, err := openService(cfgPath)
	if err != nil {
		return err
	}
	defer closeFn()

	st, err := svc.CreateVM(ctx, id, req)
	if err != nil {
		return err
	}
	return printJSON(st)
}

func runUpdate(ctx context.Context, cfgPath string, args []string) error {
	id, file, err := vmFlags("update", args, true)
	if err != nil {
		return err
	}
	var delta provision.UpdateRequest
	if err := readPayload(file, &delta); err != nil {
		return err
	}
	svc, _, closeFn, err := openService(cfgPath)
	if err != nil {
		return err
	}
	defer closeFn()

	st, err := svc.UpdateVM(ctx, id, delta)
	if err != nil {
		return err
	}
	return printJSON(st)
}

func runShow(ctx context.Context, cfgPath string, args []string) error {
	id, _, err := vmFlags("show", args, false)
	if err != nil {
		return err
	}
	svc, cfg, closeFn, err := openService(cfgPath)
	if err != nil {
		return err
	}
	defer closeFn()

	st, err := svc.GetVM(ctx, id)
	if err != nil {
		return err
	}
	if !paths.GuestRootExists(cfg.Paths, id) {
		log.G(ctx).WithField("root", paths.GuestRoot(cfg.Paths, id)).Warn("guest root does not exist yet")
	}
	return printJSON(struct {
		ID        string          `json:"id"`
		GuestRoot string          `json:"guest_root"`
		State     reconcile.State `json:"state"`
	}{id, paths.GuestRoot(cfg.Paths, id), st})
}

func runList(ctx context.Context, cfgPath string, args []string) error {
	svc, _, closeFn, err := openService(cfgPath)
	if err != nil {
		return err
	}
	defer closeFn()

	ids, err := svc.ListVMs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func runDelete(ctx context.Context, cfgPath string, args []string) error {
	id, _, err := vmFlags("delete", args, false)
	if err != nil {
		return err
	}
	svc, _, closeFn, err := openService(cfgPath)
	if err != nil {
		return err
	}
	defer closeFn()
	return svc.DeleteVM(ctx, id)
}

func runRender(ctx context.Context, cfgPath string, args []string) error {
	id, _, err := vmFlags("render", args, false)
	if err != nil {
		return err
	}
	svc, cfg, closeFn, err := openService(cfgPath)
	if err != nil {
		return err
	}
	defer closeFn()

	st, err := svc.GetVM(ctx, id)
	if err != nil {
		return err
	}
	routes, err := guestfile.RenderRoutes(st)
	if err != nil {
		return err
	}
	fmt.Printf("==> %s <==\n%s\n", cfg.Guest.ResolverFile, guestfile.RenderResolvers(st.Resolvers))
	fmt.Printf("==> %s <==\n%s", cfg.Guest.RouteFile, routes)
	return nil
}

func runPublish(ctx context.Context, cfgPath string, args []string) error {
	id, _, err := vmFlags("publish", args, false)
	if err != nil {
		return err
	}
	svc, _, closeFn, err := openService(cfgPath)
	if err != nil {
		return err
	}
	defer closeFn()
	return svc.Republish(ctx, id)
}

func runVersion(context.Context, string, []string) error {
	fmt.Println("routecfg", version.Info())
	return nil
}
