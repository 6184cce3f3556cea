package main

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dkeye/Mesh/internal/adapters/rtc"
	wssignal "github.com/dkeye/Mesh/internal/adapters/signal"
	"github.com/dkeye/Mesh/internal/client"
	"github.com/dkeye/Mesh/internal/config"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/pion/webrtc/v4/pkg/media"
)

const frameSize = 960

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("mesh client")
	}
}

// run owns every resource it opens so deferred cleanup happens before main exits.
func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	flags := pflag.NewFlagSet("mesh-client", pflag.ExitOnError)
	cfgFile := flags.String("config", "", "path to a yaml config file")
	tone := flags.Float64("tone", 0, "amplitude of a synthetic 440Hz microphone tone (0 is silence)")
	flags.String("server", "", "signaling websocket url")
	flags.String("room", "", "room to join")
	flags.String("identity", "", "participant identity")
	flags.String("token", "", "bearer token for the signaling endpoint")
	_ = flags.Parse(os.Args[1:])

	v := viper.New()
	if *cfgFile != "" {
		v.SetConfigFile(*cfgFile)
	}
	for key, flag := range map[string]string{
		"client.server_url": "server",
		"client.room":       "room",
		"client.identity":   "identity",
		"client.token":      "token",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
	cfg, err := config.LoadFrom(v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	zerolog.SetGlobalLevel(cfg.Level())

	identity, err := domain.NewIdentity(cfg.Client.Identity)
	if err != nil {
		return err
	}
	room, err := domain.NewRoomID(cfg.Client.Room)
	if err != nil {
		return err
	}
	factory, err := rtc.NewFactory(cfg.ICEServers)
	if err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}

	dctx, dcancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := wssignal.Dial(dctx, cfg.Client.ServerURL, cfg.Client.Token, cfg.Signal)
	dcancel()
	if err != nil {
		return fmt.Errorf("signaling: %w", err)
	}
	devices := &rtc.StaticDevices{StreamID: string(identity)}

	sess, err := client.NewSession(client.Options{
		Identity:           identity,
		Signal:             conn,
		Factory:            factory,
		Devices:            devices,
		NegotiationTimeout: cfg.Client.NegotiationTimeout,
		MaxRetries:         cfg.Client.MaxRetries,
		SpeakerThreshold:   cfg.Client.SpeakerThreshold,
		SpeakerInterval:    cfg.Client.SpeakerInterval,
	})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("session: %w", err)
	}
	defer sess.Close()

	go logEvents(sess)

	jctx, jcancel := context.WithTimeout(ctx, 15*time.Second)
	info, err := sess.Join(jctx, room)
	jcancel()
	if err != nil {
		return fmt.Errorf("join %s: %w", room, err)
	}
	log.Info().Str("room", string(info.Room)).Bool("initiator", info.IsInitiator).Int("total", info.Total).Msg("joined")

	go feedMicrophone(ctx, devices, *tone)
	go readCommands(ctx, cancel, sess)

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	return nil
}

func logEvents(sess *client.Session) {
	for ev := range sess.Events() {
		e := log.Info().Str("event", ev.Kind.String())
		if ev.Identity != "" {
			e = e.Str("identity", string(ev.Identity))
		}
		switch ev.Kind {
		case client.EventPeerState:
			e = e.Str("state", ev.State.String())
		case client.EventChat:
			e = e.Str("text", ev.Chat.Text)
		case client.EventActiveSpeaker:
			e = e.Bool("active", ev.Active).Bool("local", ev.Speaker.Local).Float64("level", ev.Speaker.Level)
		}
		if ev.Err != nil {
			e = e.Err(ev.Err)
		}
		e.Msg("session event")
	}
}

// feedMicrophone pushes a synthetic tone through the local PCM tap every 20ms.
func feedMicrophone(ctx context.Context, devices *rtc.StaticDevices, amp float64) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	frame := make([]float64, frameSize)
	var phase float64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for i := range frame {
			frame[i] = amp * math.Sin(phase)
			phase += 2 * math.Pi * 440 / 48000
		}
		for _, t := range devices.Opened() {
			if t.Source() != domain.SourceMicrophone || t.Stopped() {
				continue
			}
			if err := t.WriteFrame(frame, media.Sample{Duration: 20 * time.Millisecond}); err != nil {
				log.Debug().Err(err).Msg("microphone frame")
			}
		}
	}
}

// readCommands turns stdin lines into chat messages; lines starting with "/" control the session.
func readCommands(ctx context.Context, cancel context.CancelFunc, sess *client.Session) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var err error
		fields := strings.Fields(line)
		switch fields[0] {
		case "/mute":
			sess.Media().SetAudioEnabled(false)
		case "/unmute":
			sess.Media().SetAudioEnabled(true)
		case "/video":
			sess.Media().SetVideoEnabled(len(fields) < 2 || fields[1] != "off")
		case "/screen":
			err = sess.Media().StartScreenShare(ctx)
		case "/camera":
			err = sess.Media().StopScreenShare(ctx)
		case "/room":
			if len(fields) < 2 {
				log.Warn().Msg("usage: /room <id>")
				continue
			}
			var room domain.RoomID
			if room, err = domain.NewRoomID(fields[1]); err == nil {
				_, err = sess.SwitchRoom(ctx, room)
			}
		case "/quit":
			cancel()
			return
		default:
			err = sess.SendChatMessage(line)
		}
		if err != nil {
			log.Warn().Err(err).Str("command", fields[0]).Msg("command failed")
		}
	}
}
