// cmd/pairlink-send/main.go
//
// Peer-side sender for manual testing and interop checks: dials the OOB
// endpoint and writes one framed verification token.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/OsbornePro/PairLink/internal/oob"
	"github.com/OsbornePro/PairLink/internal/token"
)

func main() {
	var (
		addr      = flag.String("addr", "", "OOB endpoint host:port (required)")
		tok       = flag.String("token", "", "token string to send (or use --token-file)")
		tokenFile = flag.String("token-file", "", "file containing the token bytes")
		format    = flag.String("format", "structured", "wire format: structured or raw")
		timeout   = flag.Duration("timeout", 10*time.Second, "dial/write timeout")
	)
	flag.Parse()

	if *addr == "" {
		fmt.Println("Usage: pairlink-send --addr host:port --token XXXX [--format raw]")
		os.Exit(1)
	}

	var raw []byte
	switch {
	case *tokenFile != "":
		b, err := os.ReadFile(*tokenFile)
		if err != nil {
			die("Read token file:", err)
		}
		raw = b
	case *tok != "":
		raw = []byte(*tok)
	default:
		fmt.Println("ERROR: one of --token or --token-file is required")
		os.Exit(1)
	}

	f, err := token.ParseFormat(*format)
	if err != nil {
		die("Invalid format:", err)
	}

	payload := raw
	if f == token.FormatStructured {
		payload, err = token.EncodeStructured(raw)
		if err != nil {
			die("Encode envelope:", err)
		}
	}

	conn, err := net.DialTimeout("tcp", *addr, *timeout)
	if err != nil {
		die("Dial OOB endpoint:", err)
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(*timeout))
	if _, err := conn.Write(oob.EncodeFrame(payload)); err != nil {
		die("Write frame:", err)
	}

	fmt.Printf("Sent %d-byte %s token to %s\n", len(raw), strings.ToLower(f.String()), *addr)
}

func die(msg string, err error) {
	fmt.Fprintln(os.Stderr, "ERROR:", msg, err)
	os.Exit(1)
}
