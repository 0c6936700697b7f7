/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

// dnscored is a minimal process wiring example for the dnscore engine: it
// loads configuration, builds a dnscore.Authority over a trie populated
// from zone files, and drives it from a miekg/dns server loop. CLI flags,
// config loading, and logging setup are named out of scope for the core
// itself (spec.md §1); this binary is the external caller the core
// assumes, kept thin on purpose.
package main

import (
	"fmt"
	"log"
	"net"
	"os"

	"github.com/johanix/dnscore"
	"github.com/johanix/dnscore/zonefile"
	"github.com/miekg/dns"
	flag "github.com/spf13/pflag"
)

func main() {
	cfgfile := flag.String("config", "/etc/dnscore/dnscore.yaml", "path to config file")
	flag.Parse()

	cfg, err := dnscore.LoadConfig(*cfgfile)
	if err != nil {
		log.Fatalf("dnscored: %v", err)
	}
	if err := dnscore.SetupLogging(cfg.Log.File); err != nil {
		log.Fatalf("dnscored: %v", err)
	}

	data := dnscore.NewTrie()
	auth := dnscore.NewAuthModule()
	for name, zc := range cfg.Zones {
		if zc.Type != "primary" {
			continue
		}
		f, err := os.Open(zc.File)
		if err != nil {
			log.Fatalf("dnscored: zone %q: %v", name, err)
		}
		if _, err := zonefile.LoadInto(f, zc.Name, data); err != nil {
			log.Fatalf("dnscored: zone %q: %v", name, err)
		}
		f.Close()
	}

	authority := dnscore.NewAuthority(data, auth)

	dns.HandleFunc(".", func(w dns.ResponseWriter, r *dns.Msg) {
		pkt := &dnscore.Packet{
			Msg: r,
			TCP: isTCP(w),
		}
		reply, _, err := authority.Handle(pkt)
		if err != nil {
			log.Printf("dnscored: handle error: %v", err)
			return
		}
		_ = w.WriteMsg(reply)
	})

	for _, addr := range cfg.DnsEngine.Addresses {
		go serve(addr, "udp")
		go serve(addr, "tcp")
	}

	fmt.Printf("dnscored: %s listening on %v\n", cfg.Service.Name, cfg.DnsEngine.Addresses)
	select {}
}

func serve(addr, net string) {
	srv := &dns.Server{Addr: addr, Net: net}
	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("dnscored: %s/%s: %v", addr, net, err)
	}
}

func isTCP(w dns.ResponseWriter) bool {
	_, ok := w.RemoteAddr().(*net.TCPAddr)
	return ok
}
