// Command peer joins a session as one participant, connects a WebRTC data
// channel to the other side and exchanges text lines over it. With
// --send-audio it also sends a silent opus track.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/Rendezvous/internal/adapters/rtc"
	"github.com/dkeye/Rendezvous/internal/client"
	"github.com/dkeye/Rendezvous/internal/codec"
	"github.com/dkeye/Rendezvous/internal/core"
	"github.com/dkeye/Rendezvous/internal/domain"
)

func main() {
	server := pflag.StringP("server", "s", "http://localhost:8080", "rendezvous server base URL")
	roleFlag := pflag.StringP("role", "r", string(domain.RoleInitiator), "initiator or responder")
	session := pflag.String("session", "", "session id to join (initiator without one creates a session)")
	stun := pflag.StringSlice("stun", []string{"stun:stun.l.google.com:19302"}, "ICE server URLs")
	dialTimeout := pflag.Duration("dial-timeout", 10*time.Second, "signal connection timeout")
	sendAudio := pflag.Bool("send-audio", false, "send a silent opus track")
	verbose := pflag.BoolP("verbose", "v", false, "debug logging")
	pflag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	role, err := domain.ParseRole(*roleFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("bad role")
	}
	if role == domain.RoleResponder && *session == "" {
		log.Fatal().Msg("--session is required for a responder")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, *dialTimeout)
	peer, err := client.Dial(dialCtx, *server, role, domain.SessionID(*session))
	dialCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("dial")
	}
	defer peer.Close()
	if *session == "" {
		fmt.Printf("session: %s\n", peer.SessionID())
	}

	conn, err := rtc.NewWebRTCConnection(rtc.NewAPI(), iceConfig(*stun), peer.SessionID())
	if err != nil {
		log.Fatal().Err(err).Msg("peer connection")
	}
	var track *webrtc.TrackLocalStaticSample
	if *sendAudio {
		track, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", string(role))
		if err != nil {
			log.Fatal().Err(err).Msg("audio track")
		}
		if err := conn.AddLocalTrack(track); err != nil {
			log.Fatal().Err(err).Msg("add audio track")
		}
	}
	conn.OnMessage(func(text string) { fmt.Printf("< %s\n", text) })
	conn.OnStreamReady(func(s core.RemoteStream) {
		log.Info().Str("stream", s.StreamID).Str("track", s.TrackID).Str("kind", s.Kind).Msg("remote stream ready")
	})
	var started sync.Once
	conn.OnStateChange(func(s core.MediaState) {
		log.Info().Str("media", string(s)).Msg("media state")
		if s == core.MediaConnected {
			started.Do(func() {
				go pipeStdin(ctx, conn)
				if track != nil {
					go sendSilence(ctx, track)
				}
			})
		}
	})
	peer.OnEvent = func(e codec.Event) {
		log.Info().Str("event", e.Event).Str("state", string(e.State)).Str("reason", string(e.Reason)).Msg("session event")
	}

	done := make(chan error, 1)
	go func() { done <- peer.Run(ctx, conn) }()

	if role == domain.RoleInitiator {
		if err := peer.Offer(ctx, conn); err != nil {
			log.Fatal().Err(err).Msg("offer")
		}
	}

	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("signal connection lost")
		}
		log.Info().Str("reason", string(peer.Reason())).Msg("session over")
	case <-ctx.Done():
		_ = peer.Hangup("user-hangup")
		_ = conn.Close()
	}
}

func iceConfig(urls []string) webrtc.Configuration {
	cfg := rtc.DefaultWebRTCConfig()
	if len(urls) > 0 {
		cfg.ICEServers[0].URLs = urls
	} else {
		cfg.ICEServers = nil
	}
	return cfg
}

func pipeStdin(ctx context.Context, conn *rtc.WebRTCConnection) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if err := conn.SendText(scanner.Text()); err != nil {
			log.Warn().Err(err).Msg("send")
		}
	}
}

// opus frame that decodes to 20ms of silence
var opusSilence = []byte{0xf8, 0xff, 0xfe}

func sendSilence(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: 20 * time.Millisecond}); err != nil {
				log.Warn().Err(err).Msg("write audio")
				return
			}
		}
	}
}
