// cmd/pairlinkd/main.go
//
// PairLink OOB daemon: runs the out-of-band verification channel as a
// system service. Each activation accepts one peer connection and reads
// one verification token; retry policy (re-arming the channel) lives
// here, not in the channel.
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/kardianos/service"
	"github.com/sirupsen/logrus"

	"github.com/OsbornePro/PairLink/internal/config"
	"github.com/OsbornePro/PairLink/internal/oob"
	"github.com/OsbornePro/PairLink/internal/peers"
	"github.com/OsbornePro/PairLink/internal/token"
)

const retryDelay = 2 * time.Second

func init() {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:    true,
		DisableColors:    true,
		QuoteEmptyFields: true,
	})
}

type program struct {
	cfg  *config.Settings
	quit chan struct{}
}

func (p *program) Start(s service.Service) error {
	p.quit = make(chan struct{})
	go p.run()
	return nil
}

func (p *program) run() {
	reg, err := peers.Open(p.cfg.PeersFile)
	if err != nil {
		logrus.Fatalf("open peers registry: %v", err)
	}

	format, err := token.ParseFormat(p.cfg.OOB.WireFormat)
	if err != nil {
		logrus.Fatalf("settings: %v", err)
	}

	results := make(chan *token.Token, 1)
	ch := oob.New(oob.Config{
		ListenAddr:    p.cfg.ListenAddr(),
		AcceptTimeout: p.cfg.AcceptTimeout(),
		Format:        format,
		MaxPayload:    p.cfg.OOB.MaxPayloadBytes,
		ServiceID:     p.cfg.OOB.ServiceID,
		Peers:         reg,
		Log:           logrus.WithField("component", "oob"),
	}, func(tok *token.Token) {
		results <- tok
	})
	defer ch.Stop()

	for {
		if !p.arm(ch) {
			return
		}
		select {
		case <-p.quit:
			ch.Stop()
			return
		case tok := <-results:
			if tok == nil {
				logrus.Warnf("OOB exchange failed; re-arming in %s", retryDelay)
				if !p.sleep(retryDelay) {
					return
				}
				continue
			}
			// Never log the token itself, only a fingerprint.
			sum := sha256.Sum256(tok.Bytes)
			logrus.Infof("verification token received (fp=%s)", hex.EncodeToString(sum[:8]))
			if !p.sleep(retryDelay) {
				return
			}
		}
	}
}

// arm starts the next activation, waiting out the brief window where the
// previous worker is still unwinding. Returns false on shutdown.
func (p *program) arm(ch *oob.Channel) bool {
	for {
		err := ch.Start()
		if err == nil {
			return true
		}
		if !errors.Is(err, oob.ErrNotIdle) {
			logrus.Fatalf("start OOB channel: %v", err)
		}
		if !p.sleep(50 * time.Millisecond) {
			return false
		}
	}
}

func (p *program) sleep(d time.Duration) bool {
	select {
	case <-p.quit:
		return false
	case <-time.After(d):
		return true
	}
}

func (p *program) Stop(s service.Service) error {
	close(p.quit)
	time.Sleep(500 * time.Millisecond)
	return nil
}

func main() {
	configPath := flag.String("config", "", "path to settings.yaml (optional)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			logrus.Fatalf("load settings: %v", err)
		}
	}

	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logrus.SetLevel(lvl)
	}

	svcConfig := &service.Config{
		Name:        "PairLinkOOB",
		DisplayName: "PairLink OOB Channel",
		Description: "Accepts out-of-band verification tokens from bonded peers during device pairing.",
	}

	prg := &program{cfg: cfg}
	s, err := service.New(prg, svcConfig)
	if err != nil {
		logrus.Fatal(err)
	}

	// pairlinkd [-config ...] install|uninstall|start|stop
	if flag.NArg() > 0 {
		if err := service.Control(s, flag.Arg(0)); err != nil {
			logrus.Fatalf("Service command failed: %v", err)
		}
		return
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		<-c
		_ = s.Stop()
	}()

	if err := s.Run(); err != nil {
		logrus.Fatal(err)
	}
}
