package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	dnsforwarder "github.com/lifenjoiner/dnsforwarder"
)

func unixNow() int64 { return time.Now().Unix() }

var rootOpt struct {
	configFile string
	logLevel   uint32
}

func main() {
	root := &cobra.Command{
		Use:     "dnsforwarder",
		Short:   "Memory-mapped caching DNS forwarder",
		Version: "0.1.0",
		RunE:    run,
	}
	root.Flags().StringVarP(&rootOpt.configFile, "config", "c", "dnsforwarder.toml", "config file")
	root.Flags().Uint32VarP(&rootOpt.logLevel, "log-level", "l", 4, "log level, 0-6")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	dnsforwarder.Log.SetLevel(logrus.Level(rootOpt.logLevel))

	if !fileExists(rootOpt.configFile) {
		return fmt.Errorf("config file not found: %s", rootOpt.configFile)
	}
	cfg, err := loadConfig(rootOpt.configFile)
	if err != nil {
		return err
	}

	if cfg.Syslog != nil {
		hook, err := dnsforwarder.NewSyslogHook(dnsforwarder.SyslogOptions{
			Network:  cfg.Syslog.Network,
			Address:  cfg.Syslog.Address,
			Priority: cfg.Syslog.Priority,
			Tag:      cfg.Syslog.Tag,
		})
		if err != nil {
			dnsforwarder.Log.WithError(err).Error("syslog hook disabled")
		} else {
			dnsforwarder.Log.AddHook(hook)
		}
	}

	stats := dnsforwarder.NewStats()

	cache, err := dnsforwarder.NewCache(dnsforwarder.CacheConfig{
		Path:        cfg.Cache.Path,
		Size:        cfg.Cache.Size,
		Reload:      cfg.Cache.Reload,
		Overwrite:   cfg.Cache.Overwrite,
		IgnoreTTL:   cfg.Cache.IgnoreTTL,
		Parallel:    cfg.Cache.Parallel,
		Policy:      cfg.Cache.ttlPolicy(),
		Rules:       cfg.Cache.ttlTable(),
		EDNSEnabled: cfg.Cache.EDNS,
	}, unixNow, stats)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer cache.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if !cfg.Cache.IgnoreTTL {
		go dnsforwarder.RunSweeper(ctx, cache)
	}

	tm := dnsforwarder.NewTcpM(dnsforwarder.TcpMConfig{
		Services:     cfg.Upstream.Services,
		SocksProxies: cfg.Upstream.SocksProxies,
		Parallel:     cfg.Upstream.Parallel,
		KeepAlive:    cfg.Upstream.KeepAlive,
	}, cache, stats)
	defer tm.Close()

	h := &handler{cache: cache, tm: tm, edns: cache.EDNSEnabled()}
	srv := &dns.Server{Addr: "127.0.0.1:5353", Net: "udp", Handler: h}
	dnsforwarder.Log.WithField("addr", srv.Addr).Info("listening")
	return srv.ListenAndServe()
}

type handler struct {
	cache *dnsforwarder.Cache
	tm    *dnsforwarder.TcpM
	edns  bool
}

func (h *handler) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	defer w.Close()
	if len(req.Question) == 0 {
		dns.HandleFailed(w, req)
		return
	}
	q := req.Question[0]

	if answers, ok := h.cache.Fetch(q.Name, q.Qtype, q.Qclass); ok {
		w.WriteMsg(dnsforwarder.BuildResponse(req, answers, h.edns))
		return
	}

	reply, err := h.tm.Query(context.Background(), req)
	if err != nil {
		dnsforwarder.Log.WithError(err).WithField("name", q.Name).Debug("upstream query failed")
		dns.HandleFailed(w, req)
		return
	}
	w.WriteMsg(reply)
}
