package tep

import (
	"encoding/hex"
	"net/netip"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// tunnelNamespace seeds the name-based UUIDs of tunnel interfaces. Changing
// it renames every tunnel in the fabric.
var tunnelNamespace = uuid.MustParse("6f3d1c8e-4b1a-5e0f-9c7a-2d8b4e6f1a30")

// DeriveInterfaceName returns the tunnel interface name for the directed
// tunnel from local to remote on parent. The name depends only on its
// inputs, so recomputing the mesh reproduces the same names; swapping
// local and remote yields the name of the reverse tunnel. The result is
// "tun" plus 12 hex digits, which fits IFNAMSIZ.
func DeriveInterfaceName(parent string, local, remote netip.Addr, t TunnelType) string {
	seed := strings.Join([]string{parent, local.String(), remote.String(), string(t)}, ":")
	id := uuid.NewSHA1(tunnelNamespace, []byte(seed))
	return "tun" + hex.EncodeToString(id[:6])
}

// escapeNode makes a node id usable as one store path segment.
func escapeNode(nodeID string) string {
	return url.PathEscape(nodeID)
}
