package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"

	_ "github.com/jimmicro/version"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jimyag/hostagent/internal/hostagent/cmdlog"
	"github.com/jimyag/hostagent/internal/hostagent/compute"
	"github.com/jimyag/hostagent/internal/hostagent/config"
	"github.com/jimyag/hostagent/internal/hostagent/repository"
	hostlibvirt "github.com/jimyag/hostagent/pkg/libvirt"
)

const usage = `usage: hostagentctl [-uri URI] <command> [args]

commands:
  probe                 探测宿主机能力（架构、核数、cgroup、最大算力）
  block-jobs <domain>   通过 QMP 查看 domain 中的 block job
  commands              列出命令日志
  history [n]           最近 n 条主机资源状态迁移，默认 20`

func main() {
	uri := flag.String("uri", "", "libvirt URI, 默认读取 agent 配置")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	log.Logger = logger
	ctx := logger.WithContext(context.Background())

	cfg, err := config.New()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if *uri != "" {
		cfg.LibvirtURI = *uri
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	switch args[0] {
	case "probe":
		client := connect(cfg)
		defer client.Close()
		host, err := compute.ProbeHost(ctx, client, cfg.CgroupMount)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to probe host")
		}
		printJSON(host)
	case "block-jobs":
		if len(args) != 2 {
			flag.Usage()
			os.Exit(2)
		}
		client := connect(cfg)
		defer client.Close()
		jobs, err := client.QueryBlockJobs(args[1])
		if err != nil {
			log.Fatal().Err(err).Str("domain", args[1]).Msg("failed to query block jobs")
		}
		printJSON(jobs)
	case "commands":
		cmds, err := cmdlog.New(cfg.CommandLogDir)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open command log")
		}
		records, err := cmds.List()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to list commands")
		}
		printJSON(records)
	case "history":
		limit := 20
		if len(args) > 1 {
			if limit, err = strconv.Atoi(args[1]); err != nil || limit <= 0 {
				flag.Usage()
				os.Exit(2)
			}
		}
		repo, err := repository.New(cfg.DatabasePath())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open database")
		}
		defer repo.Close()
		history, err := repository.NewStateRepository(repo.DB()).ListTransitions(ctx, limit)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to list state transitions")
		}
		printJSON(history)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func connect(cfg *config.Config) *hostlibvirt.Client {
	client, err := hostlibvirt.New(&hostlibvirt.Config{URI: cfg.LibvirtURI})
	if err != nil {
		log.Fatal().Err(err).Str("uri", cfg.LibvirtURI).Msg("failed to connect libvirt")
	}
	return client
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatal().Err(err).Msg("failed to encode output")
	}
}
