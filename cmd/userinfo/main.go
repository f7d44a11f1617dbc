package main

import (
	"log"

	"github.com/copperline/gatehouse/internal/userinfo"
)

func main() {
	cfg, err := userinfo.LoadConfig()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	application, err := userinfo.New(cfg)
	if err != nil {
		log.Fatalf("failed to initialize application: %v", err)
	}

	if err := application.Run(); err != nil {
		log.Fatalf("application error: %v", err)
	}
}
