package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/agentvoice/internal/auth"
	"github.com/dkeye/agentvoice/internal/config"
	"github.com/dkeye/agentvoice/internal/domain"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	flags := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
	agent := flags.String("agent", "", "agent id the key is issued for")
	kind := flags.String("kind", string(auth.KindService), "token kind: service, access or room_join")
	room := flags.String("room", "", "room id for room_join tokens")
	secret := flags.String("secret", cfg.Secret, "signing secret (defaults to VOICE_SECRET)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	agentID, err := domain.ParseAgentID(*agent)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid --agent")
	}
	if err := auth.ValidateSecret(*secret); err != nil {
		log.Fatal().Err(err).Msg("refusing to sign with a weak secret")
	}

	a := auth.New(*secret)
	var token string
	switch auth.Kind(*kind) {
	case auth.KindService:
		token, err = a.IssueLongLivedKey(agentID)
	case auth.KindAccess:
		token, err = a.IssueAccessToken(agentID)
	case auth.KindRoomJoin:
		if *room == "" {
			log.Fatal().Msg("--room is required for room_join tokens")
		}
		token, err = a.IssueRoomJoinToken(domain.RoomID(*room), agentID)
	default:
		log.Fatal().Str("kind", *kind).Msg("unknown token kind")
	}
	if err != nil {
		log.Fatal().Err(err).Msg("failed to issue token")
	}
	fmt.Println(token)
}
