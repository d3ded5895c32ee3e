package main

import (
	"context"
	"flag"

	"github.com/joho/godotenv"

	"ms-ticket-commerce/internal/config"
	"ms-ticket-commerce/internal/database"
	"ms-ticket-commerce/internal/database/migrations"
	"ms-ticket-commerce/internal/logger"
)

func main() {
	seed := flag.Bool("seed", false, "also apply seed data migrations")
	down := flag.Bool("down", false, "roll back every migration")
	flag.Parse()

	log := logger.NewLogger("ticket-commerce-migrate")
	defer log.Close()

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	}
	cfg := config.Load()

	db, err := database.Connect(context.Background(), cfg.Database, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	defer db.Close()

	runner := migrations.NewRunner(db, migrations.Options{SeedData: *seed}, log)
	defer runner.Close()

	if *down {
		err = runner.Down()
	} else {
		err = runner.Run()
	}
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	log.Info("DATABASE", "Migrations complete")
}
