// seed 将商品 CSV 导入目录数据库
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"go.uber.org/zap"

	"pricewise/catalog"
	"pricewise/config"
	"pricewise/db"
	"pricewise/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	csvPath := flag.String("csv", "", "product CSV (id,name,price[,quantity])")
	encoding := flag.String("encoding", "utf-8", "CSV encoding: utf-8 or gbk")
	flag.Parse()

	if *csvPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	zlog, _, err := logger.New(logger.Options{Level: cfg.Log.Level})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zlog.Sync()

	f, err := os.Open(*csvPath)
	if err != nil {
		zlog.Fatal("open csv", zap.Error(err))
	}
	defer f.Close()

	products, err := catalog.ReadCSV(f, *encoding)
	if err != nil {
		zlog.Fatal("parse csv", zap.String("path", *csvPath), zap.Error(err))
	}

	database, err := db.Open(db.Config{
		Driver:      cfg.Database.Driver,
		Path:        cfg.Database.Path,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		zlog.Fatal("open database", zap.Error(err))
	}
	defer database.Close()

	ctx := context.Background()
	for _, p := range products {
		if err := database.UpsertProduct(ctx, p); err != nil {
			zlog.Fatal("import product", zap.Int("id", p.ID), zap.Error(err))
		}
	}
	zlog.Info("products imported",
		zap.Int("count", len(products)), zap.String("database", cfg.Database.Path))
}
