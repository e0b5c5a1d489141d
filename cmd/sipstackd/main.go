// Command sipstackd runs a minimal SIP registrar/proxy on top of the core
// stack. It exists as a smoke-test binary for the transport and transaction
// layers, not a production B2BUA.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"

	_ "net/http/pprof"

	"github.com/sipstack/core"
	"github.com/sipstack/core/sip"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var log = logrus.New()

func main() {
	pprof := flag.Bool("pprof", false, "Full profile")
	extIP := flag.String("ip", "127.0.0.1:5060", "My external ip")
	dst := flag.String("dst", "", "Destination pbx, sip server. Empty uses the REGISTER contact registry")
	transportType := flag.String("t", "udp", "Transport, default will be determined by request")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}
	log.SetFormatter(&logrus.JSONFormatter{})

	if *pprof {
		runtime.SetBlockProfileRate(1)
		runtime.SetMutexProfileFraction(1)
		runtime.MemProfileRate = 64
	}

	log.WithField("cpus", runtime.NumCPU()).Info("starting sipstackd")
	go httpServer(":8080")

	srv := setupSipProxy(*dst, *extIP)
	if srv == nil {
		log.Fatal("fail to setup sip proxy")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := srv.ListenAndServe(ctx, *transportType, *extIP); err != nil {
		log.WithError(err).Fatal("fail to start sip server")
	}
}

func httpServer(address string) {
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("Alive"))
	})
	http.HandleFunc("/mem", func(w http.ResponseWriter, r *http.Request) {
		runtime.GC()
		stats := &runtime.MemStats{}
		runtime.ReadMemStats(stats)
		data, _ := json.MarshalIndent(stats, "", "  ")
		w.WriteHeader(200)
		w.Write(data)
	})

	log.WithField("address", address).Info("http server started")
	http.ListenAndServe(address, nil)
}

func setupSipProxy(proxydst string, ip string) *sipgo.Server {
	host, port, _ := sip.ParseAddr(ip)
	ua, err := sipgo.NewUA()
	if err != nil {
		log.WithError(err).Error("fail to setup user agent")
		return nil
	}

	srv, err := sipgo.NewServer(ua)
	if err != nil {
		log.WithError(err).Error("fail to setup server handle")
		return nil
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientAddr(ip))
	if err != nil {
		log.WithError(err).Error("fail to setup client handle")
		return nil
	}

	registry := NewRegistry()
	getDestination := func(req *sip.Request) string {
		tohead := req.To()
		if dst := registry.Get(tohead.Address.User); dst != "" {
			return dst
		}
		return proxydst
	}

	reply := func(tx sip.ServerTransaction, req *sip.Request, code int, reason string) {
		resp := sip.NewResponseFromRequest(req, code, reason, nil)
		resp.SetDestination(req.Source())
		if err := tx.Respond(resp); err != nil {
			log.WithError(err).Error("fail to respond on transaction")
		}
	}

	route := func(req *sip.Request, tx sip.ServerTransaction) {
		dst := getDestination(req)
		if dst == "" {
			reply(tx, req, 404, "Not found")
			return
		}

		ctx := context.Background()
		req.SetDestination(dst)

		clTx, err := client.TransactionRequest(ctx, req, sipgo.ClientRequestAddVia, sipgo.ClientRequestAddRecordRoute)
		if err != nil {
			log.WithError(err).Error("request with context failed")
			reply(tx, req, 500, "")
			return
		}
		defer clTx.Terminate()

		for {
			select {
			case res, more := <-clTx.Responses():
				if !more {
					return
				}
				res.SetDestination(req.Source())
				res.RemoveHeader("Via")
				if err := tx.Respond(res); err != nil {
					log.WithError(err).Error("response transaction respond failed")
				}

			case m := <-tx.Acks():
				m.SetDestination(dst)
				client.WriteRequest(m)

			case <-clTx.Done():
				return

			case <-tx.Done():
				return
			}
		}
	}

	registerHandler := func(req *sip.Request, tx sip.ServerTransaction) {
		cont := req.Contact()
		if cont == nil {
			reply(tx, req, 404, "Missing address of record")
			return
		}

		uri := cont.Address
		if uri.Host == host && uri.Port == port {
			reply(tx, req, 401, "Contact address not provided")
			return
		}

		addr := uri.Host + ":" + strconv.Itoa(uri.Port)
		registry.Add(uri.User, addr)
		log.WithFields(logrus.Fields{"user": uri.User, "addr": addr}).Debug("contact added")

		res := sip.NewResponseFromRequest(req, 200, "OK", nil)
		cont.Address.UriParams = sip.NewParams()
		cont.Address.UriParams.Add("transport", req.Transport())

		if err := tx.Respond(res); err != nil {
			log.WithError(err).Error("sending register ok failed")
		}
	}

	ackHandler := func(req *sip.Request, tx sip.ServerTransaction) {
		dst := getDestination(req)
		if dst == "" {
			return
		}
		req.SetDestination(dst)
		if err := client.WriteRequest(req, sipgo.ClientRequestAddVia); err != nil {
			log.WithError(err).Error("send failed")
			reply(tx, req, 500, "")
		}
	}

	srv.OnRegister(registerHandler)
	srv.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) { route(req, tx) })
	srv.OnAck(ackHandler)
	srv.OnCancel(func(req *sip.Request, tx sip.ServerTransaction) { route(req, tx) })
	srv.OnBye(func(req *sip.Request, tx sip.ServerTransaction) { route(req, tx) })
	return srv
}
