// Package main is the entry point for the uniauth server.
package main

import (
	"os"

	"github.com/uniauth/uniauth/cmd/uniauth/app"
	"github.com/uniauth/uniauth/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
