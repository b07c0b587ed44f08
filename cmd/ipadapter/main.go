package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/fumitoshi0524/ipadapter/cmd"
)

func main() {
	cobra.CheckErr(cmd.NewCLI().ExecuteContext(context.Background()))
}
