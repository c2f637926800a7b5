package main

import (
	"github.com/korelab/kora/internal/server"
	"github.com/korelab/kora/internal/util"
	"github.com/korelab/kora/pkg/logger"
	"github.com/korelab/kora/pkg/logger/console"

	_ "github.com/lib/pq"
)

func main() {
	util.LoadEnv()

	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Level: util.GetEnv("LOG_LEVEL"),
	})
	logger.Init(consoleLogger)

	server.Init()
}
