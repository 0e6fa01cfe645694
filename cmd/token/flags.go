package main

import (
	"errors"
	"time"

	"github.com/spf13/pflag"

	"gatekeeper/internal/registry"
)

const (
	actorKey = "actor"
	ttlKey   = "ttl"
)

func addFlags(flags *pflag.FlagSet, defaultTTL time.Duration) {
	flags.String(actorKey, "", "Caller address placed in the token subject (0x-prefixed)")
	flags.Duration(ttlKey, defaultTTL, "Token lifetime")
}

type tokenRequest struct {
	Actor registry.Address
	TTL   time.Duration
}

func parseFlags(flags *pflag.FlagSet, args []string) (tokenRequest, error) {
	if err := flags.Parse(args); err != nil {
		return tokenRequest{}, err
	}
	raw, err := flags.GetString(actorKey)
	if err != nil {
		return tokenRequest{}, err
	}
	actor, err := registry.ParseAddress(raw)
	if err != nil {
		return tokenRequest{}, err
	}
	if registry.IsZero(actor) {
		return tokenRequest{}, errors.New("actor cannot be the zero address")
	}
	ttl, err := flags.GetDuration(ttlKey)
	if err != nil {
		return tokenRequest{}, err
	}
	if ttl <= 0 {
		return tokenRequest{}, errors.New("ttl must be positive")
	}
	return tokenRequest{Actor: actor, TTL: ttl}, nil
}
