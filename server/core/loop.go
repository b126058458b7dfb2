package core

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName identifies the spans emitted by the server loop.
const TracerName = "github.com/automoto/replica/server/core"

type GameLoop struct {
	server   *Server
	tickRate int
	tracer   trace.Tracer
	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
}

func NewGameLoop(server *Server, tickRate int) *GameLoop {
	return &GameLoop{
		server:   server,
		tickRate: tickRate,
		tracer:   otel.Tracer(TracerName),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

func (g *GameLoop) Run() {
	g.running = true
	defer close(g.doneChan)
	ticker := time.NewTicker(time.Second / time.Duration(g.tickRate))
	defer ticker.Stop()

	g.server.log.Info("game loop started at ", g.tickRate, " ticks/second")

	for {
		select {
		case <-g.stopChan:
			g.running = false
			g.server.log.Info("game loop stopped")
			return
		case <-ticker.C:
			g.tick()
		}
	}
}

// Stop ends Run and waits for the tick in progress to finish.
func (g *GameLoop) Stop() {
	close(g.stopChan)
	<-g.doneChan
}

func (g *GameLoop) tick() {
	_, span := g.tracer.Start(context.Background(), "replica.tick",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	err := g.server.Tick()
	st := g.server.Status()
	span.SetAttributes(
		attribute.Int64("replica.tick", int64(st.Tick)),
		attribute.Int("replica.clients", st.Clients),
		attribute.Int("replica.objects", st.Objects),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.server.log.Error("tick failed: ", err)
	}
}
