// Command shell-server is a worked example of datagram.Endpoint: it
// answers ls/cd/dl requests from a single peer over a plain reliable
// datagram channel, framing each reply with the envelope package.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"strconv"

	"github.com/charmbracelet/log"

	"github.com/nmerryman/antt-go/config"
	"github.com/nmerryman/antt-go/datagram"
	"github.com/nmerryman/antt-go/envelope"
)

func main() {
	var (
		listenPort = flag.Int("listen", 33773, "local UDP port")
		remotePort = flag.Int("remote", 33553, "remote UDP port")
		remoteHost = flag.String("remote-host", "127.0.0.1", "remote host")
		cfgPath    = flag.String("config", "", "path to antt.toml (optional)")
	)
	flag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "shell-server",
	})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal("load config", "err", err)
	}

	ep, err := dialEndpoint(cfg, *listenPort, *remoteHost, *remotePort, logger)
	if err != nil {
		logger.Fatal("establish endpoint", "err", err)
	}

	ctx := context.Background()
	if err := ep.BlockUntilVerified(ctx); err != nil {
		logger.Fatal("verification failed", "err", err)
	}
	logger.Info("verified, serving requests")

	for {
		raw, err := ep.Pop(ctx)
		if err != nil {
			logger.Error("pop failed, exiting", "err", err)
			return
		}
		reply, err := handle(raw)
		if err != nil {
			logger.Warn("request handling failed", "err", err)
			continue
		}
		if err := ep.Submit(reply); err != nil {
			logger.Error("submit reply failed", "err", err)
		}
	}
}

func handle(raw []byte) ([]byte, error) {
	req, err := envelope.Parse(raw)
	if err != nil {
		return envelope.New("text", "malformed request", "", "").Generate()
	}

	switch req.Type.String() {
	case "ls":
		return handleLS()
	case "cd":
		return handleCD(req.Value.String())
	case "dl":
		return handleDL(req.Value.String())
	default:
		return envelope.New("text", "unknown command: "+req.Type.String(), "", "").Generate()
	}
}

func handleLS() ([]byte, error) {
	entries, err := os.ReadDir(".")
	if err != nil {
		return envelope.New("text", "ls failed: "+err.Error(), "", "").Generate()
	}
	var dirs, files string
	for i, e := range entries {
		if i > 0 {
			if e.IsDir() {
				dirs += ","
			} else {
				files += ","
			}
		}
		if e.IsDir() {
			dirs += e.Name()
		} else {
			files += e.Name()
		}
	}
	return envelope.New("ls", dirs, files, "").Generate()
}

func handleCD(dir string) ([]byte, error) {
	prev, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		return envelope.New("text", "directory '"+dir+"' was not found", "", "").Generate()
	}
	return envelope.New("cd", prev+"->"+dir, "", "").Generate()
}

func handleDL(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return envelope.New("text", "file '"+path+"' was not found", "", "").Generate()
	}
	return envelope.Envelope{
		Type:  envelope.Text("file"),
		Value: envelope.Bytes(data),
		Data:  envelope.Text(""),
		Extra: envelope.Text(""),
	}.Generate()
}

func dialEndpoint(cfg config.Config, listenPort int, remoteHost string, remotePort int, logger *log.Logger) (*datagram.Endpoint, error) {
	local := &net.UDPAddr{IP: net.IPv4zero, Port: listenPort}
	remote, err := net.ResolveUDPAddr("udp", net.JoinHostPort(remoteHost, strconv.Itoa(remotePort)))
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, err
	}
	ep := datagram.NewEndpoint(cfg.ToDatagramConfig(), conn, remote, logger)
	if err := ep.Start(context.Background(), true); err != nil {
		return nil, err
	}
	return ep, nil
}
