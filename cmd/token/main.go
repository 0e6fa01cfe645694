// Command token issues a bearer token for a caller address, signed with the
// same JWT_* settings the server validates against.
//
//	JWT_SIGNING_KEY=... token --actor 0xabc... --ttl 30m
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	jwttoken "gatekeeper/internal/jwt_token"
	"gatekeeper/internal/platform/config"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.JWTFromEnv()
	if err != nil {
		return err
	}
	flags := pflag.NewFlagSet("token", pflag.ContinueOnError)
	addFlags(flags, cfg.TokenTTL)
	req, err := parseFlags(flags, args)
	if err != nil {
		return err
	}

	tokens := jwttoken.NewJWTService(cfg.SigningKey, cfg.Issuer, cfg.Audience)
	token, err := tokens.GenerateAccessToken(req.Actor, req.TTL)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	fmt.Println(token)
	return nil
}
