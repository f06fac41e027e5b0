// Command issuetoken prints a bearer token for a lecturer or admin.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"wifiattend/internal/auth"
	"wifiattend/internal/config"
	"wifiattend/internal/logging"
	"wifiattend/internal/model"
)

func main() {
	subject := flag.String("sub", "", "lecturer or admin id")
	role := flag.String("role", model.RoleLecturer, "lecturer or admin")
	ttl := flag.Duration("ttl", 12*time.Hour, "token lifetime")
	flag.Parse()

	cfg, err := config.Load()
	logging.Setup(cfg.LogLevel, "console", "wifiattend-issuetoken")
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if *subject == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *role != model.RoleLecturer && *role != model.RoleAdmin {
		log.Fatal().Str("role", *role).Msg("role must be lecturer or admin")
	}

	pair, err := auth.Issue(*subject, *role, cfg.JWTIssuer, cfg.JWTSigningKey, *ttl, *ttl)
	if err != nil {
		log.Fatal().Err(err).Msg("issue token")
	}
	fmt.Println(pair.AccessToken)
}
