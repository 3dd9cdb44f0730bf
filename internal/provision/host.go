package provision

import (
	"context"

	"github.com/containerd/log"
	"github.com/docker/docker/libnetwork/resolvconf"
)

// resolveHostResolvers returns the host's IPv4 nameservers, skipping
// loopback resolvers that would be unreachable from a guest.
func resolveHostResolvers(ctx context.Context) []string {
	path := resolvconf.Path()
	file, err := resolvconf.GetSpecific(path)
	if err != nil {
		log.G(ctx).WithError(err).WithField("path", path).Warn("failed to read host resolv.conf")
		return nil
	}

	filtered, err := resolvconf.FilterResolvDNS(file.Content, false)
	if err != nil {
		log.G(ctx).WithError(err).WithField("path", path).Warn("failed to filter host resolv.conf")
		return nil
	}

	nameservers := resolvconf.GetNameservers(filtered.Content, resolvconf.IPv4)
	if len(nameservers) == 0 {
		log.G(ctx).WithField("path", path).Debug("no usable nameservers in host resolv.conf")
		return nil
	}

	log.G(ctx).WithFields(log.Fields{
		"path":        path,
		"nameservers": nameservers,
	}).Debug("resolved host nameservers")
	return nameservers
}
