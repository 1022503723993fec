// Package device installs mesh peers on a WireGuard device.
package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/nyiyui/wgmesh/mesh"
	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// PersistentKeepalive is set on every peer to keep NAT mappings alive.
const PersistentKeepalive = 25 * time.Second

// ErrNoPubkey is returned when the device has no key configured.
var ErrNoPubkey = errors.New("public key missing")

// NoSuchDeviceError is returned when the WireGuard device does not exist.
type NoSuchDeviceError struct {
	Interface string
	Err       error
}

func (e *NoSuchDeviceError) Error() string {
	return fmt.Sprintf("no such wireguard device %s: %s", e.Interface, e.Err)
}

func (e *NoSuchDeviceError) Unwrap() error {
	return e.Err
}

// InvalidInterfaceNameError is returned for a name the kernel would never accept as an interface.
type InvalidInterfaceNameError struct {
	Interface string
}

func (e *InvalidInterfaceNameError) Error() string {
	return fmt.Sprintf("invalid interface name %q", e.Interface)
}

// maxInterfaceName is IFNAMSIZ without the terminating NUL.
const maxInterfaceName = 15

// ValidateInterfaceName rejects names that are empty, longer than 15 bytes, or contain '/' or whitespace.
func ValidateInterfaceName(name string) error {
	if name == "" || len(name) > maxInterfaceName || strings.ContainsAny(name, "/ \t\n\v\f\r") {
		return &InvalidInterfaceNameError{Interface: name}
	}
	return nil
}

// InvalidIPAddressError is returned for an allowed IP that is not a CIDR literal.
type InvalidIPAddressError struct {
	PublicKey string
	Value     string
}

func (e *InvalidIPAddressError) Error() string {
	return fmt.Sprintf("invalid IP address %q for peer %s", e.Value, e.PublicKey)
}

// InvalidPublicKeyError is returned for a public key that is not a base64-encoded 32-byte key.
type InvalidPublicKeyError struct {
	Value string
	Err   error
}

func (e *InvalidPublicKeyError) Error() string {
	return fmt.Sprintf("invalid public key, could not decode: %s, given key: %s", e.Err, e.Value)
}

func (e *InvalidPublicKeyError) Unwrap() error {
	return e.Err
}

// Client is the part of *wgctrl.Client used here.
type Client interface {
	Device(name string) (*wgtypes.Device, error)
	ConfigureDevice(name string, cfg wgtypes.Config) error
}

// ResolveFunc resolves an endpoint to a UDP address.
type ResolveFunc func(ctx context.Context, endpoint mesh.Endpoint) (*net.UDPAddr, error)

// ResolveEndpoint looks up endpoint.Host and uses the first address returned.
func ResolveEndpoint(ctx context.Context, endpoint mesh.Endpoint) (*net.UDPAddr, error) {
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", endpoint.Host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for %s", endpoint.Host)
	}
	return &net.UDPAddr{IP: ips[0], Port: endpoint.Port}, nil
}

// Reconciler manages the peers of one WireGuard device.
type Reconciler struct {
	client  Client
	iface   string
	resolve ResolveFunc
}

var _ mesh.Device = (*Reconciler)(nil)

func NewReconciler(client Client, iface string) *Reconciler {
	return &Reconciler{client: client, iface: iface, resolve: ResolveEndpoint}
}

// WithResolver replaces the endpoint resolver.
func (r *Reconciler) WithResolver(resolve ResolveFunc) *Reconciler {
	r.resolve = resolve
	return r
}

// Identity returns the device's public key in base64.
func (r *Reconciler) Identity(ctx context.Context) (string, error) {
	if err := ValidateInterfaceName(r.iface); err != nil {
		return "", err
	}
	dev, err := r.client.Device(r.iface)
	if err != nil {
		return "", &NoSuchDeviceError{Interface: r.iface, Err: err}
	}
	if dev.PublicKey == (wgtypes.Key{}) {
		return "", ErrNoPubkey
	}
	return dev.PublicKey.String(), nil
}

// ReplacePeers makes peers the device's complete peer set.
// Peers already on the device but not in peers are removed.
func (r *Reconciler) ReplacePeers(ctx context.Context, peers []mesh.Peer) error {
	cfgs := make([]wgtypes.PeerConfig, len(peers))
	for i, peer := range peers {
		cfg, err := r.peerConfig(ctx, peer)
		if err != nil {
			return err
		}
		cfgs[i] = cfg
	}
	cfg := wgtypes.Config{
		ReplacePeers: true,
		Peers:        cfgs,
	}
	zap.S().Debugf("wg interface configuration:\n%s", StringConfig(&cfg))
	err := r.client.ConfigureDevice(r.iface, cfg)
	if err != nil {
		return fmt.Errorf("failed to apply wireguard config to %s: %w", r.iface, err)
	}
	zap.S().Debugf("wg interface %s configured with %d peers.", r.iface, len(cfgs))
	return nil
}

func (r *Reconciler) peerConfig(ctx context.Context, peer mesh.Peer) (wgtypes.PeerConfig, error) {
	allowedIPs := make([]net.IPNet, len(peer.AllowedIPs))
	for i, s := range peer.AllowedIPs {
		_, ipNet, err := net.ParseCIDR(s)
		if err != nil {
			return wgtypes.PeerConfig{}, &InvalidIPAddressError{PublicKey: peer.PublicKey, Value: s}
		}
		allowedIPs[i] = *ipNet
	}
	publicKey, err := wgtypes.ParseKey(peer.PublicKey)
	if err != nil {
		return wgtypes.PeerConfig{}, &InvalidPublicKeyError{Value: peer.PublicKey, Err: err}
	}
	keepalive := PersistentKeepalive
	cfg := wgtypes.PeerConfig{
		PublicKey:                   publicKey,
		ReplaceAllowedIPs:           true,
		AllowedIPs:                  allowedIPs,
		PersistentKeepaliveInterval: &keepalive,
	}
	// the endpoint is optional
	zap.S().Debugf("resolving %s for peer %s.", peer.Endpoint, peer.PublicKey)
	endpoint, err := r.resolve(ctx, peer.Endpoint)
	if err != nil {
		zap.S().Infof("cannot resolve %s for peer %s, leaving endpoint unset: %s", peer.Endpoint, peer.PublicKey, err)
	} else {
		cfg.Endpoint = endpoint
	}
	return cfg, nil
}

// StringConfig renders cfg for logs.
func StringConfig(cfg *wgtypes.Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "replace peers: %t\n", cfg.ReplacePeers)
	for _, peer := range cfg.Peers {
		fmt.Fprintf(&b, "peer %s\n", peer.PublicKey)
		if peer.Endpoint != nil {
			fmt.Fprintf(&b, "  endpoint: %s\n", peer.Endpoint)
		}
		ips := make([]string, len(peer.AllowedIPs))
		for i := range peer.AllowedIPs {
			ips[i] = peer.AllowedIPs[i].String()
		}
		fmt.Fprintf(&b, "  allowed ips: %s\n", strings.Join(ips, ", "))
		if peer.PersistentKeepaliveInterval != nil {
			fmt.Fprintf(&b, "  persistent keepalive: %s\n", *peer.PersistentKeepaliveInterval)
		}
	}
	return b.String()
}
