// saga-inspect 打印事务的检查点列表
//
// 用法：saga-inspect [-config saga.yaml] <transaction-id>
// 设置了 REDIS_URL 时从 Redis 读取，否则读取检查点目录下的文件。
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"txsaga/checkpoint"
	"txsaga/checkpoint/redisstore"
	"txsaga/config"
	"txsaga/inspect"
)

func main() {
	configPath := flag.String("config", "", "YAML config file")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: saga-inspect [-config file] <transaction-id>")
		os.Exit(2)
	}
	if err := run(context.Background(), *configPath, flag.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, txID string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var (
		store  checkpoint.IStore
		source string
	)
	switch cfg.CheckpointBackend() {
	case config.BackendRedis:
		rs, err := redisstore.New(redisstore.Config{
			URL:       cfg.Checkpoint.RedisURL,
			KeyPrefix: cfg.Checkpoint.KeyPrefix,
			TTL:       cfg.Checkpoint.TTL,
		})
		if err != nil {
			return err
		}
		defer rs.Close()
		store, source = rs, "redis "+rs.Key(txID)
	default:
		fs := checkpoint.NewFileStore(cfg.Checkpoint.Dir)
		store, source = fs, "file "+fs.Dir()
	}

	history, found, err := store.Load(ctx, txID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("transaction %s not found", txID)
	}
	fmt.Println(inspect.Render(txID, source, history))
	return nil
}
