package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/talkincode/toughattend/config"
	"github.com/talkincode/toughattend/internal/adminapi"
	"github.com/talkincode/toughattend/internal/app"
	"github.com/talkincode/toughattend/internal/webserver"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	version   = "develop"
	h         = flag.Bool("h", false, "help usage")
	showVer   = flag.Bool("v", false, "show version")
	conffile  = flag.String("c", "", "config yaml file")
	initdb    = flag.Bool("initdb", false, "drop and recreate all tables, then exit")
	printConf = flag.Bool("printconf", false, "print the effective config and exit")
)

func main() {
	flag.Parse()

	if *showVer {
		fmt.Println(version)
		return
	}
	if *h {
		flag.Usage()
		return
	}

	cfg := config.LoadConfig(*conffile)

	if *printConf {
		bs, _ := yaml.Marshal(cfg)
		fmt.Println(string(bs))
		return
	}

	application := app.NewApplication(cfg)
	application.Init(cfg)
	defer application.Release()

	if *initdb {
		application.InitDb()
		zap.S().Info("database initialized")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application.StartBackgroundJobs(ctx)

	webserver.Init(application)
	adminapi.Init()
	if err := webserver.Listen(ctx); err != nil {
		zap.S().Errorf("web server error: %v", err)
		os.Exit(1)
	}
}
