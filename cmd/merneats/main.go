// Command merneats runs the restaurant ordering API server.
package main

import (
	"fmt"

	"github.com/patric-chuzhbe/merneats/internal/app"
	"github.com/patric-chuzhbe/merneats/internal/logger"
)

var (
	buildVersion = "N/A"
	buildDate    = "N/A"
	buildCommit  = "N/A"
)

func main() {
	fmt.Printf("Build version: %s\nBuild date: %s\nBuild commit: %s\n", buildVersion, buildDate, buildCommit)

	application, err := app.New()
	if err != nil {
		panic(err)
	}
	defer application.Close()

	err = application.Run()
	if err != nil {
		logger.Log.Errorw("server stopped with error", "error", err)
	}
}
