package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fzft/go-reactor/cmd"
)

func main() {
	var (
		host    = flag.String("h", cmd.DefaultHost, "server hostname")
		port    = flag.Int("p", cmd.DefaultPort, "server port")
		timeout = flag.Duration("t", cmd.DefaultReplyTimeout, "how long to wait for each reply")
	)
	flag.Parse()

	cli := cmd.NewCli(cmd.CliConfig{
		Host:         *host,
		Port:         *port,
		ReplyTimeout: *timeout,
	})
	if err := cli.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

