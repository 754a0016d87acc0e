// posthornd is a reference SMTP server built on the posthorn engine: enough
// wiring around internal/smtpengine to accept mail on a socket, demonstrating
// how an embedder drives the engine, not a production mail transfer agent.
//
// See https://github.com/posthorn/posthorn for more details.
package main

import (
	"fmt"
	"os"

	docopt "github.com/docopt/docopt-go"

	blog "blitiri.com.ar/go/log"

	"github.com/posthorn/posthorn/internal/config"
)

const usage = `posthornd: a reference SMTP server built on the posthorn engine.

Usage:
  posthornd [--config=<path>]
  posthornd -h | --help
  posthornd --version

Options:
  --config=<path>  Path to the YAML configuration file [default: posthorn.yaml]
  -h --help        Show this screen.
  --version        Show version and exit.
`

const version = "posthornd (posthorn engine reference server)"

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	blog.Init()
	blog.Infof("posthornd starting")

	configPath, _ := opts.String("--config")
	conf, err := config.Load(configPath)
	if err != nil {
		blog.Fatalf("loading configuration %q: %v", configPath, err)
	}
	config.LogConfig(conf)

	srv, err := newServer(conf)
	if err != nil {
		blog.Fatalf("initializing server: %v", err)
	}

	srv.ListenAndServe()
}
