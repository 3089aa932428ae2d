// Package management implements the agent-facing control plane: a UDP socket
// accepting JSON datagrams from capture agents, a TTL registry of live
// agents, and the SDP push that lets media-processing agents correlate RTP
// streams to calls.
package management

import (
	"net"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/tevino/abool"

	"firestige.xyz/strix/internal/config"
	"firestige.xyz/strix/internal/log"
	"firestige.xyz/strix/internal/metrics"
	"firestige.xyz/strix/internal/storage"
)

// Agent is one registered capture node. Addr is where register datagrams
// came from and where SDP pushes go back to.
type Agent struct {
	Name       string
	Addr       *net.UDPAddr
	LastUpdate time.Time
	RTPEnabled bool
}

// Registry tracks live agents. Entries expire expiration-timeout after their
// last register; the janitor sweep runs every expiration-delay. The
// any-agent-processes-rtp flag is cached so the hot SDP path reads one bool.
type Registry struct {
	cache   *gocache.Cache
	sendSdp *abool.AtomicBool
	sender  *storage.Sender
	logger  log.Logger
}

// NewRegistry creates the registry with the configured TTL and sweep period.
func NewRegistry(cfg config.ManagementConfig, sender *storage.Sender) *Registry {
	r := &Registry{
		cache:   gocache.New(cfg.ExpirationTimeout, cfg.ExpirationDelay),
		sendSdp: abool.New(),
		sender:  sender,
		logger:  log.GetLogger().WithField("component", "agent_registry"),
	}
	r.cache.OnEvicted(func(name string, _ interface{}) {
		r.logger.Infof("agent %s expired", name)
		r.recompute()
	})
	return r
}

// Register refreshes an agent's liveness. First-seen agents are logged and
// their host descriptor is upserted into the hosts collection, keyed by the
// host's own name (whole-document replace, last writer wins).
func (r *Registry) Register(name string, rtpEnabled bool, host map[string]any, addr *net.UDPAddr) {
	_, seen := r.cache.Get(name)

	agent := &Agent{
		Name:       name,
		Addr:       addr,
		LastUpdate: time.Now(),
		RTPEnabled: rtpEnabled,
	}
	r.cache.Set(name, agent, gocache.DefaultExpiration)

	if !seen {
		r.logger.Infof("agent %s registered from %s, rtp=%v", name, addr, rtpEnabled)
		if hostName, ok := host["name"].(string); ok && hostName != "" {
			r.sender.Upsert("hosts", map[string]any{"name": hostName}, host)
		}
	}
	r.recompute()
}

// SendSdpEnabled reports whether any live agent processes RTP.
func (r *Registry) SendSdpEnabled() bool {
	return r.sendSdp.IsSet()
}

// RTPAgents snapshots the agents that asked for SDP sessions.
func (r *Registry) RTPAgents() []*Agent {
	var agents []*Agent
	for _, item := range r.cache.Items() {
		if agent, ok := item.Object.(*Agent); ok && agent.RTPEnabled {
			agents = append(agents, agent)
		}
	}
	return agents
}

// Count returns the number of live agents.
func (r *Registry) Count() int {
	return r.cache.ItemCount()
}

func (r *Registry) recompute() {
	any := false
	count := 0
	for _, item := range r.cache.Items() {
		count++
		if agent, ok := item.Object.(*Agent); ok && agent.RTPEnabled {
			any = true
		}
	}
	r.sendSdp.SetTo(any)
	metrics.AgentsRegistered.Set(float64(count))
}
