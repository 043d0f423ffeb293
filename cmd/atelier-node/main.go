// atelier-node runs one environment process with a manager on slot 0, so a
// master can drive it remotely. With -slaves it instead runs a
// multi-environment node that spawns that many slave processes of itself,
// the shape a distributed coordinator starts on each machine.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/atelierlabs/atelier/agents"
	"github.com/atelierlabs/atelier/config"
	"github.com/atelierlabs/atelier/core"
	"github.com/atelierlabs/atelier/manager"
	"github.com/atelierlabs/atelier/multienv"
)

func main() {
	cfg := config.Load()
	host := flag.String("host", cfg.Host, "host to bind")
	port := flag.Int("port", cfg.Port, "port to bind")
	name := flag.String("name", "", "environment name")
	slaves := flag.Int("slaves", 0, "slave environments to spawn; 0 runs a single environment")
	logFolder := flag.String("log-folder", cfg.LogFolder, "folder agents dump state into on shutdown")
	flag.Parse()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	if *slaves > 0 {
		runNode(*host, *port, *name, *slaves, *logFolder, sig)
	} else {
		runSlave(*host, *port, *name, *logFolder, sig)
	}
}

func runSlave(host string, port int, name, logFolder string, sig <-chan os.Signal) {
	env, err := core.NewEnvironment(host, port, &core.Options{Name: name, LogFolder: logFolder})
	if err != nil {
		log.Fatalf("create environment: %v", err)
	}
	mgr, err := manager.NewEnvManager(env)
	if err != nil {
		log.Fatalf("attach manager: %v", err)
	}
	log.Printf("environment %s serving at %s", env.Name(), env.HostPort())

	select {
	case <-mgr.Stopped():
	case <-sig:
	}
	if err := env.Destroy(logFolder); err != nil {
		log.Printf("destroy: %v", err)
	}
}

func runNode(host string, port int, name string, slaves int, logFolder string, sig <-chan os.Signal) {
	menv, err := multienv.New(host, port, &multienv.Options{Name: name, Manager: true})
	if err != nil {
		log.Fatalf("create multi-environment: %v", err)
	}
	bin, err := os.Executable()
	if err != nil {
		log.Fatalf("resolve own binary: %v", err)
	}
	specs := make([]multienv.SlaveSpec, slaves)
	for i := range specs {
		specs[i] = multienv.SlaveSpec{Host: host, Port: port + 1 + i}
	}
	if err := menv.SpawnSlaves(bin, specs); err != nil {
		log.Printf("spawn slaves: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	ok := menv.WaitSlaves(ctx, 30*time.Second, true)
	cancel()
	if !ok {
		menv.Destroy(logFolder)
		log.Fatal("slaves did not become ready")
	}
	log.Printf("node %s ready with %d slaves", menv.Name(), slaves)

	select {
	case <-menv.Manager().Stopped():
	case <-sig:
	}
	if err := menv.Destroy(logFolder); err != nil {
		log.Printf("destroy: %v", err)
	}
}
