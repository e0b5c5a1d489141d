package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	sipgo "github.com/sipstack/core"
	"github.com/sipstack/core/auth"
	"github.com/sipstack/core/refresher"
	"github.com/sipstack/core/sip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	extIP := flag.String("ip", "127.0.0.50:5060", "My exernal ip")
	dst := flag.String("srv", "127.0.0.1:5060", "Destination")
	tran := flag.String("t", "udp", "Transport")
	username := flag.String("u", "alice", "SIP Username")
	password := flag.String("p", "alice", "Password")
	expireSecs := flag.Int("expire", 3600, "Requested registration interval in seconds")
	flag.Parse()

	// Make SIP Debugging available
	sip.SIPDebug = os.Getenv("SIP_DEBUG") != ""

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger().Level(zerolog.InfoLevel)

	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		log.Logger = log.Logger.Level(lvl)
	}

	// Setup UAC
	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(*username),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Fail to setup user agent")
	}

	srv, err := sipgo.NewServer(ua)
	if err != nil {
		log.Fatal().Err(err).Msg("Fail to setup server handle")
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientAddr(*extIP))
	if err != nil {
		log.Fatal().Err(err).Msg("Fail to setup client handle")
	}

	ctx := context.TODO()
	go srv.ListenAndServe(ctx, *tran, *extIP)

	// Wait that ouir server loads
	time.Sleep(1 * time.Second)
	log.Info().Str("addr", *extIP).Msg("Server listening on")

	recipient := &sip.Uri{}
	sip.ParseUri(fmt.Sprintf("sip:%s@%s", *username, *dst), recipient)
	contact := fmt.Sprintf("<sip:%s@%s>", *username, *extIP)
	expires := *expireSecs

	var ref *refresher.Refresher

	// build returns a fresh REGISTER each refresh cycle, reading back
	// whatever Min-Expires/Contact the server last sent so a 423 or a
	// redirect is picked up without restarting the refresher.
	build := func() (*sip.Request, error) {
		if last := ref.LastResponse; last != nil {
			if last.StatusCode == sip.StatusIntervalTooBrief {
				if minExp := last.GetHeader("Min-Expires"); minExp != nil {
					if n, err := fmt.Sscanf(minExp.Value(), "%d", &expires); err == nil && n == 1 {
						log.Info().Int("expires", expires).Msg("Server requested longer interval")
					}
				}
			}
			if last.StatusCode == 301 || last.StatusCode == 302 {
				if newContact := last.Contact(); newContact != nil {
					contact = newContact.Value()
				}
			}
		}

		req := sip.NewRequest(sip.REGISTER, *recipient)
		req.AppendHeader(sip.NewHeader("Contact", contact))
		req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", expires)))
		req.SetTransport(strings.ToUpper(*tran))
		return req, nil
	}

	ref = refresher.New(client, auth.Credentials{Username: *username, Password: *password}, build, refresher.Config{
		Mode: refresher.ModeAuto,
	})
	ref.OnRefreshed = func(expiry time.Duration) {
		log.Info().Dur("expiry", expiry).Msg("Registration refreshed")
	}
	ref.OnError = func(err error) {
		log.Error().Err(err).Msg("Registration refresh failed")
	}

	if err := ref.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Fail to register")
	}
	log.Info().Msg("Client registered, refresher running")

	select {}
}
