package main

import (
	"context"
	"log/slog"
	"os"

	"licensegate/internal/app"
	"licensegate/internal/infrastructure"
)

func main() {
	application, err := app.NewApplication()
	if err != nil {
		infrastructure.GetLogger().Error("Failed to initialize application", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if !application.CheckReadiness(context.Background()) {
		application.Logger.Warn("Starting while dependencies are not ready")
	}

	if err := application.Run(); err != nil {
		application.Logger.Error("Application error", slog.String("error", err.Error()))
		_ = infrastructure.CloseLogFile()
		os.Exit(1)
	}
	_ = infrastructure.CloseLogFile()
}
