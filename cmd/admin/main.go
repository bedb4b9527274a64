package main

import (
	"context"
	"os"

	"github.com/bosocmputer/image_wizard/internal/admin"
	"github.com/charmbracelet/fang"
)

const version = "1.0.0"

func main() {
	root := admin.NewRootCmd(admin.EnvOpener)

	if err := fang.Execute(
		context.Background(),
		root,
		fang.WithVersion(version),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}
