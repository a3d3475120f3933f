package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/spf13/pflag"

	"gobuild/monitor/auth"
	"gobuild/monitor/devserver"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	addr := pflag.String("addr", ":"+port, "listen address")
	project := pflag.String("project", "demo", "project id for seeded builds")
	seed := pflag.Int("seed", 3, "number of queued builds to create")
	simulate := pflag.Duration("simulate", 2*time.Second, "step interval for running seeded builds; 0 leaves them queued")
	ttl := pflag.Duration("token-ttl", 24*time.Hour, "lifetime of the printed dev token")
	pflag.Parse()

	secret := auth.DevSecret()
	srv := devserver.New(secret)

	var ids []string
	for i := 1; i <= *seed; i++ {
		id := fmt.Sprintf("build-%d", i)
		srv.PutBuild(devserver.SeedBuild(id, *project))
		ids = append(ids, id)
	}

	token, err := auth.Mint(secret, "dev", "dev@gobuild.local", *ttl)
	if err != nil {
		log.Fatalf("Failed to mint dev token: %v", err)
	}
	fmt.Printf("GOBUILD_TOKEN=%s\n", token)

	if *simulate > 0 {
		go func() {
			// Give clients a moment to attach before the first build starts.
			time.Sleep(*simulate)
			for _, id := range ids {
				if err := srv.Simulate(context.Background(), id, *simulate); err != nil {
					log.Printf("Simulation of %s stopped: %v", id, err)
				}
			}
		}()
	}

	log.Printf("Dev build server is running on %s with %d builds in project %s...", *addr, len(ids), *project)
	log.Fatal(http.ListenAndServe(*addr, srv.Handler()))
}
