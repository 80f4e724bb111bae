package cmd

import (
	"github.com/urfave/cli"

	"m3dconv/log"
)

var logger = log.New("m3dconv")

func setupLogging(ctx *cli.Context) {
	if ctx.GlobalBool("v") {
		log.SetLevel(log.Info)
	}

	if ctx.GlobalBool("vv") {
		log.SetLevel(log.Debug)
	}
}
