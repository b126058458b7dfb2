package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/automoto/replica/config"
	"github.com/automoto/replica/network"
	"github.com/automoto/replica/server/core"
	"github.com/automoto/replica/shared/netconfig"
	"github.com/automoto/replica/shared/netlog"
	"github.com/automoto/replica/shared/replication"
	"github.com/automoto/replica/synchronizer"
	"github.com/spf13/cobra"
)

func probeCmd() *cobra.Command {
	var (
		url      string
		duration time.Duration
		move     bool
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Connect a headless client and report replication stats",
		Long: `Connect a headless client, follow the replicated world for a while
and print what it saw.

Examples:
  replica probe
  replica probe --url=ws://game.example:7373/ws --duration=30s --move`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, func(*config.Config) {})
			if err != nil {
				return err
			}
			return runProbe(cmd.Context(), cfg, url, duration, move)
		},
	}

	cmd.Flags().StringVar(&url, "url", "ws://localhost:7373/ws", "Server WebSocket URL")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 10*time.Second, "How long to stay connected")
	cmd.Flags().BoolVar(&move, "move", false, "Wander the avatar with predicted inputs")

	return cmd
}

func runProbe(ctx context.Context, cfg config.Config, url string, duration time.Duration, move bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := netlog.New(netlog.PrefixNet, cfg.Server.LogVerbosity)
	clock := network.NewSystemClock()

	sync, err := synchronizer.New(cfg, synchronizer.Options{
		Role:   synchronizer.RoleClient,
		Clock:  clock,
		Logger: log,
	})
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, network.DialTimeout)
	defer cancel()
	client := network.NewClient(clock, core.ConnectionOptions(cfg.Network, log))
	conn, err := client.Dial(dialCtx, url)
	if err != nil {
		return err
	}
	defer client.Disconnect()
	if err := sync.Connect(conn); err != nil {
		return err
	}

	p := &prober{sync: sync, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
	ticker := time.NewTicker(time.Second / time.Duration(cfg.Sync.TickRate))
	defer ticker.Stop()
	deadline := time.After(duration)

	for {
		select {
		case <-ctx.Done():
			p.report(clock.Now())
			return ctx.Err()
		case <-deadline:
			p.report(clock.Now())
			return nil
		case <-ticker.C:
			if err := sync.Update(); err != nil {
				return err
			}
			p.handle(sync.Events())
			if move {
				p.wander()
			}
		}
	}
}

// prober tracks what a headless client sees.
type prober struct {
	sync *synchronizer.StateSynchronizer
	rng  *rand.Rand

	avatar      replication.NetworkID
	hasAvatar   bool
	spawned     int
	despawned   int
	corrections int
	lost        error

	pings   int
	rttSum  float64
	heading core.Input
}

func (p *prober) handle(events []synchronizer.Event) {
	for _, e := range events {
		switch e.Kind {
		case synchronizer.EventObjectSpawned:
			p.spawned++
			p.claim(e.Object)
		case synchronizer.EventObjectDespawned:
			p.despawned++
			if p.hasAvatar && e.Object == p.avatar {
				p.hasAvatar = false
			}
		case synchronizer.EventCorrection:
			p.corrections++
		case synchronizer.EventConnectionLost:
			p.lost = e.Err
		}
	}
}

// claim remembers the object as our avatar when we own it.
func (p *prober) claim(id replication.NetworkID) {
	obj, ok := p.sync.Object(id)
	if !ok || obj.Owner() != p.sync.ClientID() {
		return
	}
	p.avatar, p.hasAvatar = id, true
	p.sync.RegisterRPC(id, core.RPCPong, func(call synchronizer.RPCCall) {
		var sent float64
		if err := synchronizer.DecodeParams(call.Params, &sent); err != nil {
			return
		}
		p.pings++
		p.rttSum += p.sync.Clock().Now() - sent
	})
}

func (p *prober) wander() {
	if !p.hasAvatar {
		return
	}
	obj, ok := p.sync.Object(p.avatar)
	if !ok {
		return
	}
	if p.rng.Intn(20) == 0 {
		p.heading = core.Input{MoveX: p.rng.Float64()*2 - 1, MoveZ: p.rng.Float64()*2 - 1}
	}
	payload, err := synchronizer.EncodeParams(p.heading)
	if err != nil {
		return
	}
	_, _ = p.sync.SendInput(p.avatar, payload, core.ApplyInput(obj.Transform(), p.heading))

	if p.sync.Tick()%20 == 0 {
		if params, err := synchronizer.EncodeParams(p.sync.Clock().Now()); err == nil {
			_ = p.sync.CallRPC(p.avatar, core.RPCPing, params, netconfig.Unreliable)
		}
	}
}

func (p *prober) report(elapsed float64) {
	st := p.sync.Stats()
	fmt.Printf("client %d after %.1fs\n", p.sync.ClientID(), elapsed)
	fmt.Printf("  objects:     %d, %d remote (spawned %d, despawned %d)\n",
		st.ObjectCount, len(p.sync.RemoteObjects()), p.spawned, p.despawned)
	fmt.Printf("  snapshots:   %d received, avg %.0f bytes\n", st.SnapshotsReceived, st.AvgSnapshotSize)
	fmt.Printf("  traffic:     %d bytes down, %d bytes up\n", st.BytesDownstream, st.BytesUpstream)
	fmt.Printf("  entries:     %d full, %d delta\n", st.FullEntries, st.DeltaEntries)
	fmt.Printf("  errors:      %d decode, %d corrupt, %d stale\n", st.DecodeErrors, st.CorruptSnapshots, st.StaleSnapshots)
	fmt.Printf("  corrections: %d\n", p.corrections)
	if p.pings > 0 {
		fmt.Printf("  rpc rtt:     %.1f ms over %d pings\n", 1000*p.rttSum/float64(p.pings), p.pings)
	}
	if p.lost != nil {
		fmt.Printf("  connection lost: %v\n", p.lost)
	}
}
