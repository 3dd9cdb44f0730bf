//go:build linux

package main

import (
	"context"
	"flag"

	"github.com/spin-stack/routecfg/internal/config"
	"github.com/spin-stack/routecfg/internal/guest/apply"
)

// runApply runs inside the guest and needs no host configuration.
func runApply(ctx context.Context, _ string, args []string) error {
	var root, routeFile, nsPath string
	fs := flag.NewFlagSet("apply", flag.ContinueOnError)
	fs.StringVar(&root, "root", "/", "Guest root directory")
	fs.StringVar(&routeFile, "route-file", config.DefaultConfig().Guest.RouteFile, "Route file relative to the root")
	fs.StringVar(&nsPath, "netns", "", "Network namespace to apply routes in")
	if err := fs.Parse(args); err != nil {
		return err
	}

	op, err := apply.NewRouteOperator(nsPath)
	if err != nil {
		return err
	}
	defer op.Close()

	res, err := apply.New(op, root, routeFile).Apply(ctx)
	if err != nil {
		return err
	}
	return printJSON(res)
}
