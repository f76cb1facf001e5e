package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/tlvrelay/internal/config"
	"github.com/danmuck/tlvrelay/internal/observability"
	"github.com/rs/zerolog/log"
)

const defaultPath = "cmd/relayd/config.toml"

func main() {
	kind := flag.String("kind", config.KindRelay, "config kind: relay|tcp")
	output := flag.String("output", defaultPath, "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", defaultPath, "config path for validation")
	printOnly := flag.Bool("print", false, "print the template instead of writing it")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	log.Logger = observability.InitLogger("configgen")

	if *validate {
		cfg, err := config.LoadRelayConfig(*input)
		if err != nil {
			log.Fatal().Err(err).Str("path", *input).Msg("config invalid")
		}
		log.Info().
			Str("path", *input).
			Str("id", cfg.ID).
			Int("domains", len(cfg.Relay.Domains)).
			Msg("config valid")
		return
	}

	if *printOnly {
		template, err := config.Template(*kind)
		if err != nil {
			log.Fatal().Err(err).Msg("render template")
		}
		fmt.Fprint(os.Stdout, template)
		return
	}

	if err := config.WriteTemplate(*output, *kind, *force); err != nil {
		log.Fatal().Err(err).Msg("write template")
	}
	log.Info().Str("kind", *kind).Str("path", *output).Msg("wrote config template")
}
