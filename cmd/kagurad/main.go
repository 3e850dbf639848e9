// Package main is the entry point for the kagurad memory platform daemon.
package main

import (
	"os"

	"github.com/JFK/kagura-ai-sub007/cmd/kagurad/app"
	"github.com/JFK/kagura-ai-sub007/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
