// atelier-env runs a self-contained environment: demo agents, an event bus,
// an artifact archive and the REST/websocket API. It either steps a fixed
// number of times and exits, or serves until interrupted.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/atelierlabs/atelier/agents"
	"github.com/atelierlabs/atelier/api"
	"github.com/atelierlabs/atelier/config"
	"github.com/atelierlabs/atelier/core"
	"github.com/atelierlabs/atelier/messaging"
	"github.com/atelierlabs/atelier/simulation"
	"github.com/atelierlabs/atelier/storage"
)

func main() {
	cfg := config.Load()
	host := flag.String("host", cfg.Host, "host to bind")
	port := flag.Int("port", cfg.Port, "port to bind")
	name := flag.String("name", cfg.EnvName, "environment name")
	natsURL := flag.String("nats", cfg.NatsURL, "NATS URL; empty starts an embedded server")
	apiAddr := flag.String("api", cfg.APIAddr, "REST API listen address; empty disables the API")
	dataDir := flag.String("data", cfg.DataDir, "artifact archive directory; empty disables persistence")
	agents := flag.Int("agents", 4, "number agents to spawn")
	conns := flag.Int("conns", 2, "random connections per agent")
	steps := flag.Int("steps", 0, "steps to run before exiting; 0 serves until interrupted")
	logFolder := flag.String("log-folder", cfg.LogFolder, "folder agents dump state into on shutdown")
	flag.Parse()

	var bus *messaging.Bus
	var err error
	if *natsURL != "" {
		bus, err = messaging.Connect(*natsURL)
	} else {
		bus, err = messaging.Embedded()
	}
	if err != nil {
		log.Fatalf("event bus: %v", err)
	}
	log.Printf("event bus at %s", bus.URL())

	opts := &core.Options{Name: *name, LogFolder: *logFolder, Bus: bus}
	if *dataDir != "" {
		archive, err := storage.Open(storage.DefaultConfig(*dataDir))
		if err != nil {
			log.Fatalf("open archive: %v", err)
		}
		opts.Archive = archive
	}

	env, err := core.NewEnvironment(*host, *port, opts)
	if err != nil {
		log.Fatalf("create environment: %v", err)
	}
	log.Printf("environment %s serving at %s", env.Name(), env.HostPort())

	if _, err := env.SpawnN("agents:number", *agents, nil); err != nil {
		log.Fatalf("spawn agents: %v", err)
	}
	if err := env.CreateRandomConnections(*conns); err != nil {
		log.Printf("create connections: %v", err)
	}

	sim := simulation.New(env, &simulation.Options{LogFolder: *logFolder})

	if *apiAddr != "" {
		if _, err := messaging.GetWSManager().BridgeBus(bus, ""); err != nil {
			log.Printf("websocket bridge: %v", err)
		}
		go func() {
			if err := api.StartServer(*apiAddr, env, sim); err != nil {
				log.Fatalf("api server: %v", err)
			}
		}()
	}

	ctx := context.Background()
	if *steps > 0 {
		if err := sim.Steps(ctx, *steps); err != nil {
			log.Printf("simulation: %v", err)
		}
	} else {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
	}

	if err := sim.End(); err != nil {
		log.Printf("shutdown: %v", err)
	}
	bus.Close()
}
