//go:build linux

// Package route adds kernel routes for mesh peers.
// Routes are only ever added; routes of peers that left the mesh are not removed.
package route

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/nyiyui/wgmesh/mesh"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Handle is the part of *netlink.Handle used here.
type Handle interface {
	LinkByName(name string) (netlink.Link, error)
	RouteAdd(route *netlink.Route) error
}

func NewHandle() (*netlink.Handle, error) {
	return netlink.NewHandle()
}

// NoSuchInterfaceError is returned when the interface to route over does not exist.
type NoSuchInterfaceError struct {
	Interface string
}

func (e *NoSuchInterfaceError) Error() string {
	return fmt.Sprintf("netlink interface %s not found", e.Interface)
}

// InvalidRouteError is returned for an allowed IP that is not a CIDR literal.
// No route is added when it is returned.
type InvalidRouteError struct {
	Value string
}

func (e *InvalidRouteError) Error() string {
	return fmt.Sprintf("invalid route destination %q", e.Value)
}

// Reconciler adds routes over one interface.
type Reconciler struct {
	handle Handle
	iface  string
}

var _ mesh.Router = (*Reconciler)(nil)

func NewReconciler(handle Handle, iface string) *Reconciler {
	return &Reconciler{handle: handle, iface: iface}
}

type routeTask struct {
	peer string
	dst  *net.IPNet
}

func (r routeTask) String() string {
	return fmt.Sprintf("+ %s (%s)", r.dst, r.peer)
}

// AddRoutes adds a route for every allowed IP of peers via the interface.
// A route that already exists counts as added. Any other failure stops the remaining insertions.
func (r *Reconciler) AddRoutes(ctx context.Context, peers []mesh.Peer) error {
	link, err := r.handle.LinkByName(r.iface)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return &NoSuchInterfaceError{Interface: r.iface}
		}
		return fmt.Errorf("looking up link %s: %w", r.iface, err)
	}
	index := link.Attrs().Index

	var tasks []routeTask
	for _, peer := range peers {
		for _, allowedIP := range peer.AllowedIPs {
			_, dst, err := net.ParseCIDR(allowedIP)
			if err != nil {
				return &InvalidRouteError{Value: allowedIP}
			}
			tasks = append(tasks, routeTask{peer: peer.PublicKey, dst: dst})
		}
	}

	tasksStrings := make([]string, len(tasks))
	for i, task := range tasks {
		tasksStrings[i] = task.String()
	}
	zap.S().Debugf("adding %d routes to %s (index %d):\n%s", len(tasks), r.iface, index, strings.Join(tasksStrings, "\n"))

	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		err = r.handle.RouteAdd(&netlink.Route{
			LinkIndex:  index,
			ILinkIndex: index,
			Dst:        task.dst,
		})
		if errors.Is(err, unix.EEXIST) {
			zap.S().Debugf("route %s to %s already exists.", task.dst, r.iface)
			continue
		}
		if err != nil {
			return fmt.Errorf("adding route %s to %s failed: %w", task.dst, r.iface, err)
		}
	}
	return nil
}
