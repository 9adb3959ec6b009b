// cmd/pairlink-pair/main.go
//
// Registers a bonded peer and emits the pairing bootstrap payload the
// mobile app consumes: endpoint address, service identity, wire format,
// and the per-peer key. Optionally renders it as a QR image.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/OsbornePro/PairLink/internal/config"
	"github.com/OsbornePro/PairLink/internal/oob"
	"github.com/OsbornePro/PairLink/internal/peers"
)

type pairingInfo struct {
	Version     int    `json:"v"`
	PeerID      string `json:"peer_id"`
	PeerKeyHex  string `json:"peer_key_hex"`
	ServerAddr  string `json:"server_addr"`
	ServiceName string `json:"service_name"`
	ServiceID   string `json:"service_id"`
	WireFormat  string `json:"wire_format"`
}

var (
	configFlag = flag.String("config", "", "path to settings.yaml (optional)")
	idFlag     = flag.String("id", "", "peer ID to add or update (required)")
	nameFlag   = flag.String("name", "", "human-readable peer name")
	forceFlag  = flag.Bool("force", false, "overwrite existing peer with same ID")
	qrFlag     = flag.Bool("qr", true, "also write the pairing info as a QR PNG")
	outFlag    = flag.String("out", ".", "directory for the QR PNG")
)

func main() {
	flag.Parse()

	if *idFlag == "" {
		fmt.Fprintln(os.Stderr, "ERROR: -id is required (peer ID)")
		flag.Usage()
		os.Exit(1)
	}

	cfg := config.Default()
	if *configFlag != "" {
		var err error
		cfg, err = config.Load(*configFlag)
		if err != nil {
			die("load settings:", err)
		}
	}

	reg, err := peers.Open(cfg.PeersFile)
	if err != nil {
		die("open peers registry:", err)
	}

	if !*forceFlag {
		for _, p := range reg.Peers() {
			if p.ID == *idFlag {
				fmt.Fprintf(os.Stderr, "ERROR: peer %q already exists (use -force to overwrite)\n", *idFlag)
				os.Exit(1)
			}
		}
	}

	keyHex := randHex(32)
	if err := reg.Add(peers.Peer{ID: *idFlag, Name: *nameFlag, KeyHex: keyHex}); err != nil {
		die("add peer:", err)
	}

	serviceID := cfg.OOB.ServiceID
	if serviceID == "" {
		serviceID = oob.ServiceID
	}

	info := pairingInfo{
		Version:     1,
		PeerID:      *idFlag,
		PeerKeyHex:  keyHex,
		ServerAddr:  cfg.ListenAddr(),
		ServiceName: oob.ServiceName,
		ServiceID:   serviceID,
		WireFormat:  cfg.OOB.WireFormat,
	}

	blob, err := json.MarshalIndent(&info, "", "  ")
	if err != nil {
		die("marshal pairing info:", err)
	}

	fmt.Printf("Peer %q registered in %s\n\n", *idFlag, cfg.PeersFile)
	fmt.Println("Pairing payload (import into the mobile app):")
	fmt.Println(string(blob))

	if *qrFlag {
		pngPath := filepath.Join(*outFlag, "pairlink-pair.png")
		if err := qrcode.WriteFile(string(blob), qrcode.Low, 512, pngPath); err != nil {
			die("write QR:", err)
		}
		fmt.Printf("\nQR written to %s\n", pngPath)
	}
}

func randHex(nBytes int) string {
	b := make([]byte, nBytes)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func die(msg string, err error) {
	fmt.Fprintln(os.Stderr, "ERROR:", msg, err)
	os.Exit(1)
}
