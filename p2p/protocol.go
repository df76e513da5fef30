// Package p2p carries prediction queries and round announcements over
// libp2p. Queries use a request/response stream protocol; outcomes are
// gossiped on a pubsub topic.
package p2p

import (
	"strings"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
)

// maxMessageSize bounds both requests and responses on the predict protocol
const maxMessageSize = 1 << 20

// PredictProtocolName scopes the predict protocol to a network so that
// unrelated deployments sharing a host never answer each other.
func PredictProtocolName(networkName string) protocol.ID {
	return protocol.ID("/chorus/predict/1/" + networkName)
}

// ResolveEndpoint turns a peer endpoint into a libp2p peer id. The endpoint
// is either a bare peer id or a multiaddr ending in /p2p/<id>, in which case
// the addresses are added to the host's peerstore.
func ResolveEndpoint(h host.Host, endpoint string) (peer.ID, error) {
	if !strings.HasPrefix(endpoint, "/") {
		return peer.Decode(endpoint)
	}
	addr, err := multiaddr.NewMultiaddr(endpoint)
	if err != nil {
		return "", err
	}
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return "", err
	}
	if len(info.Addrs) > 0 {
		h.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.TempAddrTTL)
	}
	return info.ID, nil
}
