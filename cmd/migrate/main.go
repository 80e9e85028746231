package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/droidgrity/droidgrity-go/internal/config"
	"github.com/droidgrity/droidgrity-go/internal/repository"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "config file")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	logger := config.InitLogger(&cfg.Log)

	db, err := repository.Open(&cfg.Database)
	if err != nil {
		log.Fatal(err)
	}

	if err := repository.AutoMigrate(db, logger); err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}

	fmt.Println("✓ Migration completed successfully")
}
