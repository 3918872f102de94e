package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/agentvoice/internal/adapters/rtc"
	"github.com/dkeye/agentvoice/internal/client"
	"github.com/dkeye/agentvoice/internal/config"
	"github.com/dkeye/agentvoice/internal/domain"
	"github.com/dkeye/agentvoice/internal/peer"
	"github.com/dkeye/agentvoice/internal/protocol"
)

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	flags := pflag.NewFlagSet("agent", pflag.ContinueOnError)
	url := flags.String("url", "ws://localhost:8080/api/ws/signal", "signaling websocket url")
	token := flags.String("token", os.Getenv("VOICE_TOKEN"), "access, service or room join token")
	room := flags.String("room", "", "room to join after connecting")
	ice := flags.StringSlice("ice", cfg.ICEServers, "STUN/TURN server urls")
	attempts := flags.Int("reconnect-attempts", cfg.ReconnectAttempts, "reconnect attempts before giving up")
	backoff := flags.Duration("reconnect-backoff", cfg.ReconnectBackoff, "base reconnect backoff")
	publish := flags.Bool("publish", false, "send a silent opus track to every peer")
	debug := flags.Bool("debug", false, "verbose logging")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if *token == "" {
		log.Fatal().Msg("--token or VOICE_TOKEN is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conn := client.New(client.Options{
		URL:         *url,
		Token:       *token,
		MaxAttempts: *attempts,
		BaseBackoff: *backoff,
	})

	var opts []peer.Option
	var track *webrtc.TrackLocalStaticRTP
	if *publish {
		track, err = webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", "agent",
		)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create local track")
		}
		opts = append(opts, peer.WithLocalTrack(track))
	}

	mgr := peer.NewManager(ctx, conn, rtc.Factory(rtc.DefaultWebRTCConfig(*ice...)), opts...)
	defer mgr.Close()
	detach := mgr.Attach(conn)
	defer detach()

	mgr.OnTrack(func(remote domain.ConnectionID, tr *webrtc.TrackRemote) {
		log.Info().Str("module", "agent").Str("peer", string(remote)).
			Str("codec", tr.Codec().MimeType).Msg("remote track")
	})
	mgr.OnPacket(func(remote domain.ConnectionID, pkt *rtp.Packet) {
		log.Debug().Str("module", "agent").Str("peer", string(remote)).
			Uint16("seq", pkt.SequenceNumber).Int("bytes", len(pkt.Payload)).Msg("rtp")
	})
	mgr.OnData(func(remote domain.ConnectionID, label string, data []byte) {
		log.Info().Str("module", "agent").Str("peer", string(remote)).
			Str("label", label).Str("data", string(data)).Msg("data")
	})
	mgr.OnPeerError(func(remote domain.ConnectionID, err error) {
		log.Warn().Err(err).Str("module", "agent").Str("peer", string(remote)).Msg("peer failed")
	})

	conn.OnStateChange(func(s client.State) {
		log.Info().Str("module", "agent").Str("state", s.String()).Msg("signaling state")
		if s == client.StateFailed {
			cancel()
		}
	})
	conn.OnJoined(func(j protocol.Joined) {
		log.Info().Str("module", "agent").Str("room", string(j.RoomID)).
			Int("participants", len(j.Participants)).Msg("joined")
	})
	conn.OnLeft(func(l protocol.Left) {
		log.Info().Str("module", "agent").Str("room", string(l.RoomID)).Str("reason", l.Reason).Msg("left")
	})
	conn.OnError(func(e protocol.Error) {
		log.Warn().Str("module", "agent").Str("code", string(e.Code)).Str("message", e.Message).Msg("server error")
	})

	if err := conn.Connect(ctx); err != nil {
		log.Fatal().Err(err).Str("url", *url).Msg("failed to connect")
	}
	defer conn.Close()

	if *room != "" {
		if err := conn.JoinRoom(domain.RoomID(*room)); err != nil {
			log.Fatal().Err(err).Str("room", *room).Msg("failed to join")
		}
	}
	if track != nil {
		go writeSilence(ctx, track)
	}

	<-ctx.Done()
	log.Info().Str("module", "agent").Msg("shutting down")
	if conn.Room() != "" {
		_ = conn.LeaveRoom("shutdown")
	}
}

func writeSilence(ctx context.Context, track *webrtc.TrackLocalStaticRTP) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:     2,
			PayloadType: 111,
			SSRC:        uint32(time.Now().UnixNano()),
		},
		Payload: opusSilence,
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pkt.SequenceNumber++
			pkt.Timestamp += 960
			if err := track.WriteRTP(pkt); err != nil {
				log.Debug().Err(err).Str("module", "agent").Msg("write rtp")
			}
		}
	}
}
